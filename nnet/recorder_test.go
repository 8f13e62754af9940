package nnet

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestLossRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss_orig.txt")
	r := new(LossRecorder)
	for iter := 0; iter <= 200; iter++ {
		r.Add(2.5 - float64(iter)/100)
		if iter%100 == 0 && iter != 0 {
			require.NoError(t, r.Flush(path))
			lines := readLines(t, path)
			assert.Len(t, lines, iter+1)
		}
	}
	assert.Equal(t, 201, r.Len())
	lines := readLines(t, path)
	assert.Equal(t, "2.500000000000000000e+00", lines[0])
	assert.Equal(t, "5.000000000000000000e-01", lines[200])
	for i, line := range lines {
		v, err := strconv.ParseFloat(line, 64)
		require.NoError(t, err)
		assert.Equal(t, r.Values[i], v)
	}
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLossRecorderError(t *testing.T) {
	r := &LossRecorder{Values: []float64{1}}
	err := r.Flush(filepath.Join(t.TempDir(), "missing", "loss.txt"))
	assert.Error(t, err)
}
