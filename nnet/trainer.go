package nnet

import (
	"fmt"
	"os"
	"time"

	"github.com/jnb666/resnet/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Number of evaluations averaged by the precision moving average
const emaN = 10

// Evaluation statistics
type Stats struct {
	GlobalStep int64
	Loss       float64
	Precision  float64
	Best       float64
	Average    float64
	Elapsed    time.Duration
}

func StatsHeaders() []string {
	return []string{"step", "loss", "precision", "best", "average"}
}

func (s Stats) Format() []string {
	return []string{
		fmt.Sprintf("%6d", s.GlobalStep),
		fmt.Sprintf("%7.4f", s.Loss),
		fmt.Sprintf("%6.2f%%", s.Precision*100),
		fmt.Sprintf("%6.2f%%", s.Best*100),
		fmt.Sprintf("%6.2f%%", s.Average*100),
	}
}

// Evaluator tests the performance of the latest checkpoint against a dataset.
type Evaluator struct {
	Net     *Network
	Data    *Dataset
	Batches int
	// Directory to load checkpoints from
	CheckpointDir string
	// If set then stats are appended to this file
	OutFile string
	Log     *zap.SugaredLogger
	Stats   []Stats
}

// Create a new evaluator which implements the Tester interface.
func NewEvaluator(net *Network, data *Dataset, batches int, checkpointDir string, log *zap.SugaredLogger) *Evaluator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if batches <= 0 || batches > data.Batches {
		batches = data.Batches
	}
	return &Evaluator{Net: net, Data: data, Batches: batches, CheckpointDir: checkpointDir, Log: log}
}

// Tester interface to evaluate the model, the returned stats are also added to the history.
type Tester interface {
	Test() (Stats, error)
}

// Test restores the latest checkpoint and evaluates it.
func (e *Evaluator) Test() (Stats, error) {
	start := time.Now()
	step, path, err := RestoreLatest(e.Net, e.CheckpointDir)
	if err != nil {
		return Stats{}, err
	}
	e.Log.Debugf("loaded %s", path)
	loss, precision := e.Net.Evaluate(e.Data, e.Batches)
	s := Stats{GlobalStep: step, Loss: loss, Precision: precision, Best: precision, Average: precision}
	if n := len(e.Stats); n > 0 {
		prev := e.Stats[n-1]
		if prev.Best > s.Best {
			s.Best = prev.Best
		}
		s.Average = stats.EMA(prev.Average).Add(precision, emaN)
	}
	s.Elapsed = time.Since(start)
	e.Stats = append(e.Stats, s)
	e.Log.Infow("eval", "step", step, "loss", loss, "precision", precision, "best_precision", s.Best)
	if e.OutFile != "" {
		if err := e.appendStats(s); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (e *Evaluator) appendStats(s Stats) error {
	f, err := os.OpenFile(e.OutFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "write eval stats")
	}
	_, err = fmt.Fprintf(f, "%d %.6f %.6f %.6f\n", s.GlobalStep, s.Loss, s.Precision, s.Best)
	if err1 := f.Close(); err == nil {
		err = err1
	}
	return errors.Wrapf(err, "write %s", e.OutFile)
}
