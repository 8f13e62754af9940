package nnet

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"github.com/jnb666/resnet/num"
	"github.com/pkg/errors"
)

const (
	checkpointIndex  = "checkpoint"
	checkpointPrefix = "model.ckpt-"
	// Number of snapshot files to retain
	MaxToKeep = 5
)

// Snapshot of the model variables at a given training step
type Snapshot struct {
	GlobalStep int64
	Values     map[string][]float32
	Dims       map[string][]int
}

// Copy values from the given variables to a new snapshot
func NewSnapshot(q num.Queue, step int64, params []*Param) *Snapshot {
	s := &Snapshot{GlobalStep: step, Values: make(map[string][]float32), Dims: make(map[string][]int)}
	for _, p := range params {
		buf := make([]float32, p.Size())
		q.Call(num.Read(p.Value, buf))
		s.Values[p.Name] = buf
		s.Dims[p.Name] = p.Value.Dims()
	}
	q.Finish()
	return s
}

// Restore values to the given variables, every variable must be present with matching shape.
func (s *Snapshot) Restore(q num.Queue, params []*Param) error {
	for _, p := range params {
		buf, ok := s.Values[p.Name]
		if !ok {
			return errors.Errorf("variable %s not found in checkpoint", p.Name)
		}
		if !num.SameShape(s.Dims[p.Name], p.Value.Dims()) {
			return errors.Errorf("variable %s: checkpoint shape %v does not match %v", p.Name, s.Dims[p.Name], p.Value.Dims())
		}
		q.Call(num.Write(p.Value, buf))
	}
	q.Finish()
	return nil
}

// Save snapshot to model.ckpt-<step> under dir and update the checkpoint index.
// Older snapshots beyond MaxToKeep are removed. Returns the file path.
func (s *Snapshot) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "save checkpoint")
	}
	name := checkpointPrefix + strconv.FormatInt(s.GlobalStep, 10)
	filePath := filepath.Join(dir, name)
	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", errors.Wrap(err, "save checkpoint")
	}
	w := snappy.NewBufferedWriter(f)
	if err = gob.NewEncoder(w).Encode(s); err == nil {
		err = w.Close()
	}
	if err != nil {
		f.Close()
		return "", errors.Wrapf(err, "encode checkpoint %s", filePath)
	}
	if err = f.Close(); err != nil {
		return "", errors.Wrap(err, "save checkpoint")
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return "", errors.Wrap(err, "save checkpoint")
	}
	names, err := checkpointList(dir)
	if err != nil {
		return "", err
	}
	keep := []string{}
	for _, n := range names {
		if n != name {
			keep = append(keep, n)
		}
	}
	keep = append(keep, name)
	for len(keep) > MaxToKeep {
		os.Remove(filepath.Join(dir, keep[0]))
		keep = keep[1:]
	}
	return filePath, writeIndex(dir, keep)
}

// Load snapshot from file
func LoadSnapshot(filePath string) (*Snapshot, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "load checkpoint")
	}
	defer f.Close()
	s := new(Snapshot)
	if err = gob.NewDecoder(snappy.NewReader(bufio.NewReader(f))).Decode(s); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", filePath)
	}
	return s, nil
}

// Path of latest checkpoint in dir, or empty string if there is none.
func LatestCheckpoint(dir string) (string, error) {
	names, err := checkpointList(dir)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return filepath.Join(dir, names[len(names)-1]), nil
}

// index file lists snapshots from oldest to newest in the same format as a TensorFlow checkpoint file
func writeIndex(dir string, names []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "model_checkpoint_path: %q\n", names[len(names)-1])
	for _, n := range names {
		fmt.Fprintf(&b, "all_model_checkpoint_paths: %q\n", n)
	}
	tmpPath := filepath.Join(dir, checkpointIndex+".tmp")
	if err := os.WriteFile(tmpPath, []byte(b.String()), 0644); err != nil {
		return errors.Wrap(err, "write checkpoint index")
	}
	return errors.Wrap(os.Rename(tmpPath, filepath.Join(dir, checkpointIndex)), "write checkpoint index")
}

func checkpointList(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, checkpointIndex))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint index")
	}
	var names []string
	var latest string
	for _, line := range strings.Split(string(data), "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name, err := strconv.Unquote(strings.TrimSpace(val))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid checkpoint index line %q", line)
		}
		switch strings.TrimSpace(key) {
		case "model_checkpoint_path":
			latest = name
		case "all_model_checkpoint_paths":
			names = append(names, name)
		}
	}
	if latest != "" && (len(names) == 0 || names[len(names)-1] != latest) {
		names = append(names, latest)
	}
	return names, nil
}
