package pointcloud

import (
	"bufio"
	"fmt"
	"image/color"
	"io"
	"strconv"

	"github.com/chenzhekl/goply"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ReadPLY reads the vertex element of an ascii PLY file. Colors are taken from uchar
// red/green/blue properties and values from an integer value property.
func ReadPLY(in io.Reader) (pc PointCloud, err error) {
	// the PLY parser panics on malformed input
	defer func() {
		if thePanic := recover(); thePanic != nil {
			pc, err = nil, errors.Errorf("cannot parse ply: %v", thePanic)
		}
	}()
	ply := goply.New(in)
	vertices := ply.Elements("vertex")
	pc = NewWithPrealloc(len(vertices))
	for i, vertex := range vertices {
		var pos [3]float64
		for j, name := range []string{"x", "y", "z"} {
			v, ok := plyNumber(vertex.Property(name))
			if !ok {
				return nil, errors.Errorf("vertex %d has no numeric %s property", i, name)
			}
			pos[j] = v
		}
		d := NewBasicData()
		r, okR := vertex.Property("red").(uint8)
		g, okG := vertex.Property("green").(uint8)
		b, okB := vertex.Property("blue").(uint8)
		if okR && okG && okB {
			d.SetColor(color.NRGBA{r, g, b, 255})
		}
		if v, ok := plyNumber(vertex.Property("value")); ok {
			d.SetValue(int(v))
		}
		if err := pc.Set(r3.Vector{X: pos[0], Y: pos[1], Z: pos[2]}, d); err != nil {
			return nil, errors.Wrapf(err, "vertex %d", i)
		}
	}
	return pc, nil
}

func plyNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int8:
		return float64(n), true
	case uint8:
		return float64(n), true
	case int16:
		return float64(n), true
	case uint16:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint32:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// WritePLY writes the cloud as an ascii PLY vertex list with double precision positions.
func WritePLY(cloud PointCloud, out io.Writer) error {
	meta := cloud.MetaData()
	w := bufio.NewWriter(out)
	fmt.Fprintf(w, "ply\nformat ascii 1.0\nelement vertex %d\n", cloud.Size())
	w.WriteString("property double x\nproperty double y\nproperty double z\n")
	if meta.HasColor {
		w.WriteString("property uchar red\nproperty uchar green\nproperty uchar blue\n")
	}
	if meta.HasValue {
		w.WriteString("property int value\n")
	}
	w.WriteString("end_header\n")

	format := func(v float64) string {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	cloud.Iterate(0, 0, func(pos r3.Vector, d Data) bool {
		fmt.Fprintf(w, "%s %s %s", format(pos.X), format(pos.Y), format(pos.Z))
		if meta.HasColor {
			r, g, b := uint8(255), uint8(255), uint8(255)
			if d != nil && d.HasColor() {
				r, g, b = d.RGB255()
			}
			fmt.Fprintf(w, " %d %d %d", r, g, b)
		}
		if meta.HasValue {
			v := 0
			if d != nil && d.HasValue() {
				v = d.Value()
			}
			fmt.Fprintf(w, " %d", v)
		}
		w.WriteString("\n")
		return true
	})
	return w.Flush()
}
