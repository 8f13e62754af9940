package nnet

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jnb666/resnet/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordHook struct {
	begin, end int
	feeds      []Feed
	steps      []int64
}

func (h *recordHook) Begin(s *Session) { h.begin++ }

func (h *recordHook) BeforeRun(ctx *RunContext) {}

func (h *recordHook) AfterRun(ctx *RunContext, vals RunValues) {
	h.feeds = append(h.feeds, ctx.Feed)
	h.steps = append(h.steps, vals.GlobalStep)
}

func (h *recordHook) End(s *Session) { h.end++ }

func newTestSession(t *testing.T, dir string, hooks ...Hook) *Session {
	conf := testConfig()
	net, rng := newTestNet(t, conf)
	dset, err := NewDataset(num.NewCPUDevice(), testData(rng, 32), testBatch, true, rng)
	require.NoError(t, err)
	s, err := NewSession(net, dset, SessionConfig{CheckpointDir: dir, Hooks: hooks})
	require.NoError(t, err)
	return s
}

func TestLearningRateSetter(t *testing.T) {
	conf := testConfig()
	lr := NewLearningRateSetter(conf, false, nil)
	rec := new(recordHook)
	s := newTestSession(t, "", lr, rec)
	for i := 0; i < 3; i++ {
		s.Run()
	}
	require.NoError(t, s.Close())
	assert.Equal(t, 1, rec.begin)
	assert.Equal(t, 1, rec.end)
	assert.Equal(t, []int64{0, 1, 2}, rec.steps)
	require.Len(t, rec.feeds, 3)
	for _, feed := range rec.feeds {
		assert.InDelta(t, 0.1, feed.LearningRate, 1e-12)
		assert.InDelta(t, 0.9, feed.Momentum, 1e-12)
		assert.InDelta(t, 10000, feed.ClipNorm, 1e-6)
	}
}

func TestLearningRateSchedule(t *testing.T) {
	h := NewLearningRateSetter(Config{Eta: 0.1, MinEta: 0.0001, Momentum: 0.9, ClipNormBase: 1000}, true, nil)
	for _, test := range []struct {
		step int64
		lr   float64
	}{{0, 0.1}, {39999, 0.1}, {40000, 0.01}, {60000, 0.001}, {80000, 0.0001}} {
		ctx := new(RunContext)
		h.AfterRun(ctx, RunValues{GlobalStep: test.step - 1})
		h.BeforeRun(ctx)
		assert.InDelta(t, test.lr, ctx.Feed.LearningRate, 1e-12, "step %d", test.step)
		assert.InDelta(t, 1000/test.lr, ctx.Feed.ClipNorm, 1e-6, "step %d", test.step)
	}
}

func TestSessionTraining(t *testing.T) {
	s := newTestSession(t, "")
	var first, last float64
	for i := 0; i < 40; i++ {
		vals := s.Run()
		if i < 8 {
			first += vals.Cost / 8
		}
		if i >= 32 {
			last += vals.Cost / 8
		}
	}
	t.Logf("loss %.4f => %.4f", first, last)
	assert.True(t, last < first, "loss should decrease")
	assert.Equal(t, int64(40), s.GlobalStep)
	assert.True(t, s.Data.Epoch > 1)
	require.NoError(t, s.Close())
}

func TestSessionCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s := newTestSession(t, dir)
	for i := 0; i < 3; i++ {
		s.Run()
	}
	require.NoError(t, s.Close())
	saved := NewSnapshot(s.Net.Queue(), s.GlobalStep, s.Variables())

	// new session restores weights, optimiser slots and global step
	s2 := newTestSession(t, dir)
	assert.Equal(t, int64(3), s2.GlobalStep)
	for _, p := range s2.Variables() {
		assert.Equal(t, saved.Values[p.Name], p.Value.Float32s(), p.Name)
	}
	s2.Run()
	require.NoError(t, s2.Close())

	// inference network only restores the model variables
	net, _ := newTestNet(t, testConfig())
	step, path, err := RestoreLatest(net, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(4), step)
	assert.Equal(t, filepath.Join(dir, "model.ckpt-4"), path)

	_, _, err = RestoreLatest(net, t.TempDir())
	assert.Error(t, err)
}

func TestCheckpointRetention(t *testing.T) {
	dir := t.TempDir()
	net, _ := newTestNet(t, testConfig())
	for step := int64(1); step <= 7; step++ {
		_, err := NewSnapshot(net.Queue(), step, net.Params()).Save(dir)
		require.NoError(t, err)
	}
	latest, err := LatestCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "model.ckpt-7"), latest)
	lines := readLines(t, filepath.Join(dir, "checkpoint"))
	assert.Equal(t, `model_checkpoint_path: "model.ckpt-7"`, lines[0])
	assert.Len(t, lines, MaxToKeep+1)
	for step := 1; step <= 7; step++ {
		_, err := os.Stat(filepath.Join(dir, fmt.Sprintf("model.ckpt-%d", step)))
		assert.Equal(t, step > 2, err == nil, "step %d", step)
	}

	snap, err := LoadSnapshot(latest)
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.GlobalStep)
	require.NoError(t, snap.Restore(net.Queue(), net.Params()))

	// shape mismatch is an error
	conf := testConfig()
	conf.Layers[6] = Linear{Name: "logit", Nout: testClasses + 1}.Marshal()
	net2 := New(net.Queue(), conf, testBatch, testShape)
	err = snap.Restore(net2.Queue(), net2.Params())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train/logit/DW")

	// as is a missing variable
	delete(snap.Values, "train/logit/biases")
	assert.Error(t, snap.Restore(net.Queue(), net.Params()))
}
