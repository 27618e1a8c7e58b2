// Package plotting draws training curves.
package plotting

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/unixpickle/dist-ssd/metrics"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// A Plotter saves charts of training histories as PNG
// files in Dir.
type Plotter struct {
	Dir string
}

// DrawLoss charts every loss component for training (solid)
// and validation (dashed), and saves loss_<name>.png.
func (p Plotter) DrawLoss(train, val *metrics.History, name string, keys []string) (string, error) {
	return p.draw(train, val, keys, "Loss", "loss_"+name)
}

// DrawMetrics charts metric histories and saves
// <filename>.png.
func (p Plotter) DrawMetrics(train, val *metrics.History, keys []string, filename string) (string, error) {
	return p.draw(train, val, keys, "Metric", filename)
}

func (p Plotter) draw(train, val *metrics.History, keys []string, yLabel, filename string) (string, error) {
	if train.Rows() != len(keys) || val.Rows() != len(keys) {
		return "", errors.Errorf("plot %s: %d keys for %d/%d components", filename, len(keys),
			train.Rows(), val.Rows())
	}
	pl := plot.New()
	pl.Title.Text = filename
	pl.X.Label.Text = "Epoch"
	pl.Y.Label.Text = yLabel
	pl.Legend.Top = true

	for i, key := range keys {
		for j, h := range []*metrics.History{train, val} {
			if h.Cols() == 0 {
				continue
			}
			line, err := plotter.NewLine(epochPoints(h.Row(i)))
			if err != nil {
				return "", errors.Wrapf(err, "plot %s", filename)
			}
			line.Color = plotutil.Color(i)
			line.Width = vg.Points(1.5)
			label := key
			if j == 1 {
				line.Dashes = plotutil.Dashes(1)
				label = fmt.Sprintf("%s (validation)", key)
			}
			pl.Add(line)
			pl.Legend.Add(label, line)
		}
	}

	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return "", errors.Wrapf(err, "plot %s", filename)
	}
	path := filepath.Join(p.Dir, filename+".png")
	if err := pl.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return "", errors.Wrapf(err, "plot %s", filename)
	}
	return path, nil
}

func epochPoints(ys []float64) plotter.XYs {
	res := make(plotter.XYs, len(ys))
	for i, y := range ys {
		res[i].X = float64(i + 1)
		res[i].Y = y
	}
	return res
}
