package main

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/jnb666/resnet/nnet"
	"github.com/jnb666/resnet/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func writeData(t *testing.T, path string, n int) {
	rng := rand.New(rand.NewSource(1))
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.WriteByte(byte(i % 10))
		for j := 0; j < 3072; j++ {
			buf.WriteByte(byte(rng.Intn(256)))
		}
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func testOptions(dir string) options {
	return options{
		Dataset:        "cifar10",
		Mode:           "train",
		TrainDataPath:  filepath.Join(dir, "data_batch_*.bin"),
		EvalDataPath:   filepath.Join(dir, "test_batch.bin"),
		ImageSize:      32,
		TrainDir:       filepath.Join(dir, "model", "train"),
		EvalDir:        filepath.Join(dir, "model", "eval"),
		EvalBatchCount: 50,
		EvalOnce:       true,
		LogRoot:        filepath.Join(dir, "model"),
		TrainSteps:     3,
		Seed:           42,
		Threads:        2,
		Set:            []string{"TrainBatch=4"},
	}
}

func TestTrainEval(t *testing.T) {
	dir := t.TempDir()
	writeData(t, filepath.Join(dir, "data_batch_1.bin"), 8)
	writeData(t, filepath.Join(dir, "test_batch.bin"), 8)
	log := zap.NewNop().Sugar()

	opts := testOptions(dir)
	require.NoError(t, run(context.Background(), opts, log))
	conf, err := nnet.LoadConfig(filepath.Join(opts.LogRoot, configFile))
	require.NoError(t, err)
	assert.Equal(t, 4, conf.TrainBatch)
	assert.Equal(t, "mom", conf.Optimiser)
	latest, err := nnet.LatestCheckpoint(opts.LogRoot)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(opts.LogRoot, "model.ckpt-3"), latest)

	// second run continues from the checkpoint
	require.NoError(t, run(context.Background(), opts, log))
	latest, err = nnet.LatestCheckpoint(opts.LogRoot)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(opts.LogRoot, "model.ckpt-6"), latest)

	opts.Mode = "eval"
	opts.Set = []string{"TestBatch=4"}
	require.NoError(t, run(context.Background(), opts, log))
	data, err := os.ReadFile(filepath.Join(opts.EvalDir, "precision.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "6 "), lines[0])
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()
	log := zap.NewNop().Sugar()
	opts := testOptions(dir)
	opts.NumGPUs = 2
	assert.EqualError(t, run(context.Background(), opts, log), "only support 0 or 1 gpu: got 2")

	opts = testOptions(dir)
	opts.Dataset = "mnist"
	assert.Error(t, run(context.Background(), opts, log))

	opts = testOptions(dir)
	opts.Mode = "predict"
	assert.Error(t, run(context.Background(), opts, log))

	// no data files
	opts = testOptions(dir)
	assert.Error(t, run(context.Background(), opts, log))

	// no checkpoint to evaluate
	writeData(t, filepath.Join(dir, "test_batch.bin"), 4)
	opts.Mode = "eval"
	opts.Set = []string{"TestBatch=4"}
	assert.Error(t, run(context.Background(), opts, log))
}

func TestApplySettings(t *testing.T) {
	conf, err := applySettings(nnet.Config{}, []string{"Eta=0.05", " TrainBatch = 64"})
	require.NoError(t, err)
	assert.Equal(t, 0.05, conf.Eta)
	assert.Equal(t, 64, conf.TrainBatch)
	_, err = applySettings(conf, []string{"Eta"})
	assert.Error(t, err)
	_, err = applySettings(conf, []string{"Missing=1"})
	assert.Error(t, err)
}

func checkLossFile(t *testing.T, path string, lines int) {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	values := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, values, lines)
	for _, v := range values {
		_, err := strconv.ParseFloat(v, 64)
		require.NoError(t, err, v)
	}
}

func TestLossFile(t *testing.T) {
	dir := t.TempDir()
	writeData(t, filepath.Join(dir, "data_batch_1.bin"), 8)
	log := zap.NewNop().Sugar()
	opts := testOptions(dir)
	opts.ImageSize = 8
	opts.TrainSteps = 101
	require.NoError(t, run(context.Background(), opts, log))
	checkLossFile(t, filepath.Join(opts.TrainDir, lossFile), 101)

	// without train_dir the loss file goes to the working directory
	cwd, err := os.Getwd()
	require.NoError(t, err)
	work := t.TempDir()
	require.NoError(t, os.Chdir(work))
	defer os.Chdir(cwd)
	opts.TrainDir = ""
	opts.LogRoot = filepath.Join(dir, "model2")
	require.NoError(t, run(context.Background(), opts, log))
	checkLossFile(t, filepath.Join(work, lossFile), 101)
}

func TestMonitorAddressError(t *testing.T) {
	dir := t.TempDir()
	writeData(t, filepath.Join(dir, "data_batch_1.bin"), 8)
	opts := testOptions(dir)
	opts.HTTP = "localhost:-1"
	err := run(context.Background(), opts, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web monitor")
}

func TestDeviceLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	dev := newDevice(false, zap.New(core).Sugar())
	assert.Equal(t, "/cpu:0", dev.Name())
	assert.Equal(t, 1, logs.FilterMessageSnippet(num.CPUInfo()).Len())
}
