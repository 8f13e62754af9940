package web

import (
	"bytes"
	"html/template"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// screen resolution used to convert the plot size in pixels to inches
const dpi = 96

// series of points to plot with a legend entry
type series struct {
	name string
	pts  plotter.XYs
}

// render one or more line series as an inline SVG image
func linePlot(width, height int, data ...series) (template.HTML, error) {
	plt, err := newPlot()
	if err != nil {
		return "", err
	}
	for i, s := range data {
		if len(s.pts) == 0 {
			continue
		}
		line, err := newLinePlot(s.pts, i)
		if err != nil {
			return "", err
		}
		plt.Add(line)
		plt.Legend.Add(s.name+" ", line)
	}
	return writePlot(plt, width, height)
}

func newPlot() (*plot.Plot, error) {
	p, err := plot.New()
	if err != nil {
		return nil, errors.Wrap(err, "plot error")
	}
	fontSmall, err := vg.MakeFont("Helvetica", 10)
	if err != nil {
		return nil, errors.Wrap(err, "plot: failed loading font")
	}
	fontMedium, err := vg.MakeFont("Helvetica", 12)
	if err != nil {
		return nil, errors.Wrap(err, "plot: failed loading font")
	}
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Tick.Label.Font = fontSmall
	p.Y.Tick.Label.Font = fontSmall
	p.Legend.Top = true
	p.Legend.Font = fontMedium
	p.Add(plotter.NewGrid())
	return p, nil
}

func writePlot(p *plot.Plot, w, h int) (template.HTML, error) {
	var buf bytes.Buffer
	writer, err := p.WriterTo(vg.Inch*vg.Length(w)/dpi, vg.Inch*vg.Length(h)/dpi, "svg")
	if err != nil {
		return "", errors.Wrap(err, "error writing plot")
	}
	if _, err = writer.WriteTo(&buf); err != nil {
		return "", errors.Wrap(err, "error writing plot")
	}
	return template.HTML(buf.String()), nil
}

func newLinePlot(pts plotter.XYs, ix int) (fixedLine, error) {
	xmin, xmax, ymax := pts[0].X, pts[0].X+1, 0.0
	for _, pt := range pts {
		if pt.X > xmax {
			xmax = pt.X
		}
		if pt.Y > ymax {
			ymax = pt.Y
		}
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return fixedLine{}, errors.Wrap(err, "plot error")
	}
	l.Width = 2
	l.Color = plotutil.Color(ix)
	return fixedLine{Line: l, xmin: xmin, xmax: xmax, ymin: 0, ymax: ymax}, nil
}

// modified plotter.Line with the y axis starting at zero
type fixedLine struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l fixedLine) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}
