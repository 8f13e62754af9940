package nnet

import (
	"bufio"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// LossRecorder accumulates the loss from each training step. The list only grows.
type LossRecorder struct {
	Values []float64
}

func (r *LossRecorder) Add(loss float64) {
	r.Values = append(r.Values, loss)
}

func (r *LossRecorder) Len() int { return len(r.Values) }

// Flush writes all recorded values to the file, one per line in %.18e format, replacing any previous contents.
func (r *LossRecorder) Flush(filePath string) error {
	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, "flush losses")
	}
	w := bufio.NewWriter(f)
	buf := make([]byte, 0, 32)
	for _, v := range r.Values {
		buf = strconv.AppendFloat(buf[:0], v, 'e', 18, 64)
		buf = append(buf, '\n')
		w.Write(buf)
	}
	if err = w.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "flush losses")
	}
	return errors.Wrap(os.Rename(tmpPath, filePath), "flush losses")
}
