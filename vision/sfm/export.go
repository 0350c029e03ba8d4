package sfm

import (
	"github.com/pkg/errors"

	"github.com/ift6142/ringsfm/pointcloud"
)

// ToPointCloud converts the result points for a renderer. Each point keeps its color and stores
// the number of observations it was triangulated from as its value. Points at the exact same
// position collapse into one.
func (r *ReconstructionResult) ToPointCloud() (pointcloud.PointCloud, error) {
	pc := pointcloud.NewWithPrealloc(len(r.Points))
	for i, pt := range r.Points {
		d := pointcloud.NewValueData(len(pt.Provenance))
		if pt.HasColor {
			d.SetColor(pt.Color)
		}
		if err := pc.Set(pt.Position, d); err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
	}
	return pc, nil
}
