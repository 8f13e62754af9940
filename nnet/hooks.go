package nnet

import (
	"time"

	"go.uber.org/zap"
)

// Feed holds the hyperparameter values used for a single training step
type Feed struct {
	LearningRate float64
	Momentum     float64
	ClipNorm     float64
}

// RunContext is passed to each hook before and after a training step
type RunContext struct {
	Session *Session
	Feed    Feed
}

// RunValues are the results of a training step
type RunValues struct {
	GlobalStep int64
	Epoch      int
	Cost       float64
	GradNorm   float64
	Elapsed    time.Duration
}

// Hook is called at points in the lifecycle of a training session.
// Begin is called once when the session is created, BeforeRun and AfterRun
// around every step and End when the session is closed.
type Hook interface {
	Begin(s *Session)
	BeforeRun(ctx *RunContext)
	AfterRun(ctx *RunContext, vals RunValues)
	End(s *Session)
}

// LearningRateSetter hook feeds the learning rate, momentum and gradient clip norm for each step.
// The values are reset to the constant base values after each step unless Schedule is set,
// in which case the learning rate is stepped down as training progresses.
type LearningRateSetter struct {
	LearningRate float64
	MinRate      float64
	Momentum     float64
	ClipNormBase float64
	Schedule     bool
	Log          *zap.SugaredLogger
	lr, mom      float64
}

// Create a learning rate hook using the settings from the network config
func NewLearningRateSetter(c Config, schedule bool, log *zap.SugaredLogger) *LearningRateSetter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LearningRateSetter{
		LearningRate: c.Eta,
		MinRate:      c.MinEta,
		Momentum:     c.Momentum,
		ClipNormBase: c.ClipNormBase,
		Schedule:     schedule,
		Log:          log,
	}
}

func (h *LearningRateSetter) Begin(s *Session) {
	h.lr = h.LearningRate
	h.mom = h.Momentum
	if h.Schedule {
		h.lr = h.stepRate(s.GlobalStep)
	}
}

func (h *LearningRateSetter) BeforeRun(ctx *RunContext) {
	ctx.Feed = Feed{LearningRate: h.lr, Momentum: h.mom, ClipNorm: ClipNorm(h.ClipNormBase, h.lr)}
}

func (h *LearningRateSetter) AfterRun(ctx *RunContext, vals RunValues) {
	h.lr = h.LearningRate
	h.mom = h.Momentum
	if h.Schedule {
		h.lr = h.stepRate(vals.GlobalStep + 1)
	}
	h.Log.Debugw("test lr and mu", "lr", h.lr, "mom", h.mom)
}

func (h *LearningRateSetter) End(s *Session) {}

// piecewise constant decay at 40k, 60k and 80k steps
func (h *LearningRateSetter) stepRate(step int64) float64 {
	switch {
	case step < 40000:
		return h.LearningRate
	case step < 60000:
		return h.LearningRate / 10
	case step < 80000:
		return h.LearningRate / 100
	default:
		return h.MinRate
	}
}

// Gradient clip norm is scaled inversely with the learning rate
func ClipNorm(base, lr float64) float64 {
	if lr <= 0 {
		return 0
	}
	return base / lr
}
