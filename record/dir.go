package record

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/shao/imgrec"
	"github.jpl.nasa.gov/bdube/shao/wfs"
)

// columns of a LoopState row
const (
	stateDepth = iota
	stateIteration
	stateRMS
	stateRMSPartial
	stateStrehl
)

// LoopStateRow packs one loop state into a LoopState dataset row
func LoopStateRow(depth, iteration int, rms, rmsPartial, strehl float64) []float64 {
	return []float64{float64(depth), float64(iteration), rms, rmsPartial, strehl}
}

// SummaryFile is the name of the summary written by Dir
const SummaryFile = "summary.yml"

var timeNow = time.Now

// Dir is a Sink that writes each run to its own folder under
// Root/yyyy-mm-dd/<run id>: one FITS image per dataset, rows NaN padded to
// the longest, the summary as YAML and convergence plots.  Frames are written
// as they arrive through the Frames recorder when it is enabled.
type Dir struct {
	Root   string
	Frames *imgrec.Recorder

	mu       sync.Mutex
	datasets map[string][][]float64
	last     string
}

// NewDir returns a directory sink
func NewDir(root string, frames *imgrec.Recorder) *Dir {
	return &Dir{Root: root, Frames: frames, datasets: map[string][][]float64{}}
}

// Append implements Sink
func (d *Dir) Append(dataset string, row []float64) error {
	d.mu.Lock()
	d.datasets[dataset] = append(d.datasets[dataset], row)
	d.mu.Unlock()
	return nil
}

// AppendFrame implements Sink
func (d *Dir) AppendFrame(dataset string, f wfs.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Frames == nil || !d.Frames.Active() {
		return nil
	}
	_, err := d.Frames.WriteImage(f.Width, f.Height, f.Pix, fitsio.Card{Name: "DATASET", Value: dataset})
	return err
}

// Folder is the folder of the last finalized run
func (d *Dir) Folder() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Finalize implements Sink.  The datasets are cleared for the next run.
func (d *Dir) Finalize(s Summary) error {
	d.mu.Lock()
	datasets := d.datasets
	d.datasets = map[string][][]float64{}
	d.mu.Unlock()

	name := s.RunID
	if name == "" {
		name = "run-" + s.Start.Format("150405")
	}
	start := s.Start
	if start.IsZero() {
		start = timeNow()
	}
	fldr := filepath.Join(d.Root, start.Format("2006-01-02"), name)
	if err := os.MkdirAll(fldr, 0777); err != nil {
		return err
	}
	for ds, rows := range datasets {
		if err := writeDataset(filepath.Join(fldr, ds+".fits"), ds, rows); err != nil {
			return err
		}
	}
	f, err := os.Create(filepath.Join(fldr, SummaryFile))
	if err != nil {
		return err
	}
	err = yml.NewEncoder(f).Encode(s)
	f.Close()
	if err != nil {
		return err
	}
	if rows := datasets[LoopState]; len(rows) > 0 {
		err = plotConvergence(filepath.Join(fldr, "strehl.png"), rows, stateStrehl, "Strehl ratio")
		if err != nil {
			return err
		}
		err = plotConvergence(filepath.Join(fldr, "rms.png"), rows, stateRMSPartial, "partial RMS wavefront error")
		if err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.last = fldr
	d.mu.Unlock()
	return nil
}

// writeDataset writes rows as one image, padding short rows with NaN
func writeDataset(fn, name string, rows [][]float64) error {
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	if width == 0 || len(rows) == 0 {
		return nil
	}
	m := mat.NewDense(len(rows), width, nil)
	for i, r := range rows {
		for j := 0; j < width; j++ {
			v := math.NaN()
			if j < len(r) {
				v = r[j]
			}
			m.Set(i, j, v)
		}
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	return imgrec.WriteMatrix(f, m, fitsio.Card{Name: "DATASET", Value: name})
}

// plotConvergence draws one line per depth of column col against iteration
func plotConvergence(fn string, rows [][]float64, col int, ylabel string) error {
	byDepth := map[int]plotter.XYs{}
	for _, r := range rows {
		if len(r) <= col {
			return fmt.Errorf("record: loop state row has %d columns", len(r))
		}
		d := int(r[stateDepth])
		byDepth[d] = append(byDepth[d], plotter.XY{X: r[stateIteration], Y: r[col]})
	}
	depths := make([]int, 0, len(byDepth))
	for d := range byDepth {
		depths = append(depths, d)
	}
	sort.Ints(depths)

	p := plot.New()
	p.Title.Text = "closed-loop convergence"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = ylabel
	p.Add(plotter.NewGrid())
	for i, d := range depths {
		l, err := plotter.NewLine(byDepth[d])
		if err != nil {
			return err
		}
		l.LineStyle.Width = vg.Points(1.5)
		l.Color = plotutil.Color(i)
		p.Add(l)
		if len(depths) > 1 {
			p.Legend.Add("depth "+strconv.Itoa(d), l)
		}
	}
	return p.Save(6*vg.Inch, 4*vg.Inch, fn)
}
