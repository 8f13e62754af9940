package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jnb666/resnet/img"
	"github.com/jnb666/resnet/nnet"
	"github.com/jnb666/resnet/num"
	"github.com/jnb666/resnet/resnet"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	lossFile   = "loss_orig.txt"
	configFile = "model.json"
)

// Training loop
func train(ctx context.Context, opts options, hps resnet.HParams, dev num.Device, log *zap.SugaredLogger) error {
	data, err := img.ReadCIFAR(opts.Dataset, opts.TrainDataPath)
	if err != nil {
		return err
	}
	rng, seed := nnet.NewRand(opts.Seed)
	data.SetTransformer(img.NewTransformer(img.TrainTrans, opts.ImageSize, rng))
	log.Infof("loaded %d training images: seed=%d", data.Len(), seed)

	conf := resnet.Build(hps, opts.Dataset, opts.ImageSize)
	conf.RandSeed = seed
	conf.Threads = opts.Threads
	conf.Profile = opts.Profile
	conf.UseGPU = dev.Name() != "/cpu:0"
	if opts.Debug {
		conf.DebugLevel = 1
	}
	if conf, err = applySettings(conf, opts.Set); err != nil {
		return err
	}
	if opts.LogRoot != "" {
		if err = os.MkdirAll(opts.LogRoot, 0755); err != nil {
			return errors.Wrap(err, "create log_root")
		}
		if err = conf.Save(filepath.Join(opts.LogRoot, configFile)); err != nil {
			return err
		}
	}
	lossPath := lossFile
	if opts.TrainDir != "" {
		if err = os.MkdirAll(opts.TrainDir, 0755); err != nil {
			return errors.Wrap(err, "create train_dir")
		}
		lossPath = filepath.Join(opts.TrainDir, lossFile)
	}

	q := dev.NewQueue(conf.Threads)
	defer q.Shutdown()
	q.Profiling(conf.Profile)
	dset, err := nnet.NewDataset(dev, data, conf.TrainBatch, true, rng)
	if err != nil {
		return err
	}
	net := nnet.New(q, conf, conf.TrainBatch, dset.Shape())
	if conf.DebugLevel >= 1 {
		fmt.Println(conf)
		fmt.Println(net)
	}
	fmt.Printf("total_params: %d\n", net.ParamCount())
	fmt.Printf("float_ops: %d\n", net.FlopCount())
	net.InitWeights(rng)

	hooks := []nnet.Hook{nnet.NewLearningRateSetter(conf, opts.LRDecay, log)}
	monitor, err := startMonitor(ctx, opts.HTTP, conf, log)
	if err != nil {
		dset.Release()
		return err
	}
	if monitor != nil {
		monitor.SetImages(data)
		hooks = append(hooks, monitor)
	}
	sess, err := nnet.NewSession(net, dset, nnet.SessionConfig{CheckpointDir: opts.LogRoot, Hooks: hooks, Log: log})
	if err != nil {
		dset.Release()
		return err
	}

	losses := new(nnet.LossRecorder)
	start := time.Now()
	for iter := 0; iter < opts.TrainSteps; iter++ {
		if ctx.Err() != nil {
			log.Warnf("training interrupted at iter %d", iter)
			break
		}
		if iter%50 == 0 && iter != 0 {
			log.Infow("elapsed time", "seconds", time.Since(start).Seconds())
			start = time.Now()
		}
		vals := sess.Run()
		losses.Add(vals.Cost)
		if iter%100 == 0 && iter != 0 {
			if err = losses.Flush(lossPath); err != nil {
				sess.Close()
				return err
			}
		}
		log.Infow("iter", "iter", iter, "loss", vals.Cost)
	}
	return sess.Close()
}
