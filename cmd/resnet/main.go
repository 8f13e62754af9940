// Command resnet trains or evaluates a residual network on the CIFAR-10 or CIFAR-100 data sets.
//
//	resnet --train_data_path='cifar10/data_batch*' --log_root=./tmp/resnet_model --train_dir=./tmp/resnet_model/train --dataset=cifar10
//	resnet --mode=eval --eval_data_path=cifar10/test_batch.bin --log_root=./tmp/resnet_model --eval_dir=./tmp/resnet_model/eval
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	arg "github.com/alexflint/go-arg"
	"github.com/jnb666/resnet/nnet"
	"github.com/jnb666/resnet/num"
	"github.com/jnb666/resnet/resnet"
	"github.com/jnb666/resnet/web"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	Dataset        string   `arg:"--dataset" default:"cifar10" help:"cifar10 or cifar100"`
	Mode           string   `arg:"--mode" default:"train" help:"train or eval"`
	TrainDataPath  string   `arg:"--train_data_path" help:"file pattern for training data"`
	EvalDataPath   string   `arg:"--eval_data_path" help:"file pattern for eval data"`
	ImageSize      int      `arg:"--image_size" default:"32" help:"image side length"`
	TrainDir       string   `arg:"--train_dir" help:"directory to keep training outputs, loss_orig.txt is written here or to the working directory if not set"`
	EvalDir        string   `arg:"--eval_dir" help:"directory to keep eval outputs"`
	EvalBatchCount int      `arg:"--eval_batch_count" default:"50" help:"number of batches to eval"`
	EvalOnce       bool     `arg:"--eval_once" help:"whether to evaluate the model only once"`
	LogRoot        string   `arg:"--log_root" help:"directory to keep the checkpoints, parent of train_dir and eval_dir"`
	NumGPUs        int      `arg:"--num_gpus" default:"0" help:"number of gpus used for training (0 or 1)"`
	TrainSteps     int      `arg:"--train_steps" default:"201" help:"number of training iterations"`
	Seed           int64    `arg:"--seed" help:"random number seed, set from the clock if zero"`
	HTTP           string   `arg:"--http" help:"address for the web monitor, e.g. :8080"`
	LRDecay        bool     `arg:"--lr_decay" help:"step the learning rate down at 40k, 60k and 80k steps"`
	Threads        int      `arg:"--threads" help:"number of worker threads, defaults to the physical core count"`
	Profile        bool     `arg:"--profile" help:"print profiling info"`
	Debug          bool     `arg:"--debug" help:"enable debug logging"`
	Set            []string `arg:"--set,separate" help:"override network config setting as Field=value"`
}

func (options) Description() string {
	return "Train or evaluate a ResNet model on CIFAR image data."
}

func main() {
	opts := options{}
	arg.MustParse(&opts)
	log := newLogger(opts.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, opts, log)
	stop()
	log.Sync()
	nnet.CheckErr(err)
}

func newLogger(debug bool) *zap.SugaredLogger {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.Sampling = nil
	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := config.Build()
	nnet.CheckErr(err)
	return logger.Sugar()
}

func run(ctx context.Context, opts options, log *zap.SugaredLogger) error {
	useGPU, err := resnet.UseGPU(opts.NumGPUs)
	if err != nil {
		return err
	}
	hps, err := resnet.DefaultHParams(opts.Mode, opts.Dataset)
	if err != nil {
		return err
	}
	log.Debugf("\n%s", hps)
	dev := newDevice(useGPU, log)
	switch opts.Mode {
	case "train":
		return train(ctx, opts, hps, dev, log)
	default:
		return evaluate(ctx, opts, hps, dev, log)
	}
}

// GPU device falls back to the CPU if it is not available
func newDevice(useGPU bool, log *zap.SugaredLogger) num.Device {
	dev, err := num.NewDevice(useGPU)
	if err != nil {
		log.Warnw("using cpu device", "error", err)
		dev = num.NewCPUDevice()
	}
	log.Infof("device %s: %s", dev.Name(), dev)
	if dev.Name() != "/cpu:0" {
		log.Infof("host cpu: %s", num.CPUInfo())
	}
	for _, op := range []string{"conv", "pool", "batchNorm", "gemm"} {
		log.Debugf("device placement %s: %s", op, dev.Place(op))
	}
	return dev
}

// apply Field=value settings to the config
func applySettings(conf nnet.Config, settings []string) (nnet.Config, error) {
	for _, s := range settings {
		key, val, ok := strings.Cut(s, "=")
		if !ok {
			return conf, errors.Errorf("invalid setting %q: expecting Field=value", s)
		}
		var err error
		if conf, err = conf.SetString(strings.TrimSpace(key), strings.TrimSpace(val)); err != nil {
			return conf, err
		}
	}
	return conf, nil
}

// start the web monitor if the address is set
func startMonitor(ctx context.Context, addr string, conf nnet.Config, log *zap.SugaredLogger) (*web.Monitor, error) {
	if addr == "" {
		return nil, nil
	}
	m, err := web.NewMonitor(conf, log)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "web monitor")
	}
	go func() {
		if err := m.Serve(ctx, ln); err != nil {
			log.Error(err)
		}
	}()
	fmt.Printf("web monitor at http://%s/\n", ln.Addr())
	return m, nil
}
