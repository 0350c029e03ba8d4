package keypoints

import (
	"image"
	"math"

	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
)

// PlotKeypoints plots keypoints on image, with a circle of the keypoint scale and a tick along
// its orientation.
func PlotKeypoints(img image.Image, kps []Keypoint, outName string) error {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	dc := gg.NewContext(w, h)
	dc.DrawImage(img, 0, 0)

	dc.SetRGBA(0, 0, 1, 0.5)
	dc.SetLineWidth(1)
	for _, kp := range kps {
		radius := math.Max(3, kp.Scale)
		dc.DrawCircle(kp.Point.X, kp.Point.Y, radius)
		dc.MoveTo(kp.Point.X, kp.Point.Y)
		dc.LineTo(kp.Point.X+radius*math.Cos(kp.Orientation), kp.Point.Y+radius*math.Sin(kp.Orientation))
		dc.Stroke()
	}
	return dc.SavePNG(outName)
}

// DrawMatches draws both images side by side with a line joining every matched keypoint pair.
func DrawMatches(img1, img2 image.Image, kps1, kps2 []Keypoint, matches []Correspondence) (image.Image, error) {
	pts1, pts2, err := GetMatchingKeyPoints(matches, kps1, kps2)
	if err != nil {
		return nil, err
	}
	w1, h1 := img1.Bounds().Dx(), img1.Bounds().Dy()
	w2, h2 := img2.Bounds().Dx(), img2.Bounds().Dy()
	h := h1
	if h2 > h {
		h = h2
	}
	dc := gg.NewContext(w1+w2, h)
	dc.DrawImage(img1, 0, 0)
	dc.DrawImage(img2, w1, 0)

	dc.SetLineWidth(1)
	palette := colorful.FastHappyPalette(len(matches))
	for i := range pts1 {
		c := palette[i]
		dc.SetRGBA(c.R, c.G, c.B, 0.8)
		dc.DrawLine(pts1[i].X, pts1[i].Y, pts2[i].X+float64(w1), pts2[i].Y)
		dc.Stroke()
		dc.DrawCircle(pts1[i].X, pts1[i].Y, 2)
		dc.DrawCircle(pts2[i].X+float64(w1), pts2[i].Y, 2)
		dc.Fill()
	}
	return dc.Image(), nil
}

// PlotMatches saves the output of DrawMatches as a png.
func PlotMatches(img1, img2 image.Image, kps1, kps2 []Keypoint, matches []Correspondence, outName string) error {
	drawn, err := DrawMatches(img1, img2, kps1, kps2, matches)
	if err != nil {
		return err
	}
	return gg.SavePNG(outName, drawn)
}
