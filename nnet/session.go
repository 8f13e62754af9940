package nnet

import (
	"time"

	"github.com/jnb666/resnet/num"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Default interval between checkpoint saves
const DefaultSaveSecs = 600

// Options for a training session
type SessionConfig struct {
	// Directory for checkpoint files, checkpoints are disabled if empty
	CheckpointDir string
	// Seconds between checkpoints: 0 for the default, < 0 to only save on Close
	SaveSecs int
	Hooks    []Hook
	Log      *zap.SugaredLogger
}

// Session runs training steps for a network, restoring from and saving to the checkpoint directory
// and calling the registered hooks.
type Session struct {
	SessionConfig
	Net        *Network
	Data       *Dataset
	Opt        Optimiser
	GlobalStep int64
	trainable  []*Param
	lastSave   time.Time
}

// Create a new training session. If a checkpoint exists then the model variables, optimiser state
// and global step are restored from it, else the network weights should already be initialised.
func NewSession(net *Network, data *Dataset, conf SessionConfig) (*Session, error) {
	if conf.Log == nil {
		conf.Log = zap.NewNop().Sugar()
	}
	if conf.SaveSecs == 0 {
		conf.SaveSecs = DefaultSaveSecs
	}
	s := &Session{SessionConfig: conf, Net: net, Data: data, trainable: net.Trainable()}
	var err error
	if s.Opt, err = NewOptimiser(net.Queue(), net.Optimiser, s.trainable); err != nil {
		return nil, err
	}
	if conf.CheckpointDir != "" {
		path, err := LatestCheckpoint(conf.CheckpointDir)
		if err != nil {
			return nil, err
		}
		if path != "" {
			if err = s.restore(path); err != nil {
				return nil, err
			}
			s.Log.Infof("restored model from %s at step %d", path, s.GlobalStep)
		}
	}
	for _, h := range s.Hooks {
		h.Begin(s)
	}
	s.lastSave = time.Now()
	return s, nil
}

// All variables saved to the checkpoint
func (s *Session) Variables() []*Param {
	return append(append([]*Param{}, s.Net.Params()...), s.Opt.Slots()...)
}

func (s *Session) restore(path string) error {
	snap, err := LoadSnapshot(path)
	if err != nil {
		return err
	}
	if err = snap.Restore(s.Net.Queue(), s.Variables()); err != nil {
		return errors.Wrapf(err, "restore %s", path)
	}
	s.GlobalStep = snap.GlobalStep
	return nil
}

// Run a single training step and return the cost before the weights are updated.
func (s *Session) Run() RunValues {
	q := s.Net.Queue()
	ctx := &RunContext{
		Session: s,
		Feed:    Feed{LearningRate: s.Net.Eta, Momentum: s.Net.Momentum, ClipNorm: ClipNorm(s.Net.ClipNormBase, s.Net.Eta)},
	}
	for _, h := range s.Hooks {
		h.BeforeRun(ctx)
	}
	start := time.Now()
	q.Finish()
	x, _, yOneHot := s.Data.NextBatch()
	s.Net.Fprop(x, true)
	cost := s.Net.Loss(yOneHot)
	s.Net.Bprop(yOneHot)
	norm := ClipByGlobalNorm(q, s.trainable, float32(ctx.Feed.ClipNorm))
	s.Opt.Update(s.trainable, float32(ctx.Feed.LearningRate), float32(ctx.Feed.Momentum))
	res := []float32{0}
	q.Call(num.Read(cost, res)).Finish()
	vals := RunValues{
		GlobalStep: s.GlobalStep,
		Epoch:      s.Data.Epoch,
		Cost:       float64(res[0]),
		GradNorm:   norm,
		Elapsed:    time.Since(start),
	}
	s.GlobalStep++
	for _, h := range s.Hooks {
		h.AfterRun(ctx, vals)
	}
	if s.CheckpointDir != "" && s.SaveSecs > 0 && time.Since(s.lastSave) >= time.Duration(s.SaveSecs)*time.Second {
		if _, err := s.Save(); err != nil {
			s.Log.Errorw("checkpoint save failed", "error", err)
		}
	}
	return vals
}

// Save a checkpoint with the current global step
func (s *Session) Save() (string, error) {
	snap := NewSnapshot(s.Net.Queue(), s.GlobalStep, s.Variables())
	path, err := snap.Save(s.CheckpointDir)
	if err != nil {
		return "", err
	}
	s.lastSave = time.Now()
	s.Log.Infof("saved checkpoint %s", path)
	return path, nil
}

// Close the session, saving a final checkpoint
func (s *Session) Close() error {
	var err error
	if s.CheckpointDir != "" {
		_, err = s.Save()
	}
	for _, h := range s.Hooks {
		h.End(s)
	}
	s.Data.Release()
	return err
}

// Restore variables for inference from the latest checkpoint in dir, returns the global step.
func RestoreLatest(net *Network, dir string) (int64, string, error) {
	path, err := LatestCheckpoint(dir)
	if err != nil {
		return 0, "", err
	}
	if path == "" {
		return 0, "", errors.Errorf("no checkpoint found in %s", dir)
	}
	snap, err := LoadSnapshot(path)
	if err != nil {
		return 0, "", err
	}
	if err = snap.Restore(net.Queue(), net.Params()); err != nil {
		return 0, "", errors.Wrapf(err, "restore %s", path)
	}
	return snap.GlobalStep, path, nil
}
