package main

import (
	"context"
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

const evalInterval = 60 * time.Second

// Evaluation loop, tests the latest checkpoint from log_root once or every minute until interrupted.
func evaluate(ctx context.Context, opts options, hps resnet.HParams, dev num.Device, log *zap.SugaredLogger) error {
	data, err := img.ReadCIFAR(opts.Dataset, opts.EvalDataPath)
	if err != nil {
		return err
	}
	rng, _ := nnet.NewRand(opts.Seed)
	data.SetTransformer(img.NewTransformer(img.EvalTrans, opts.ImageSize, rng))
	log.Infof("loaded %d eval images", data.Len())

	// use the same network as the training run if the config was saved
	var conf nnet.Config
	confPath := filepath.Join(opts.LogRoot, configFile)
	if _, err = os.Stat(confPath); err == nil {
		if conf, err = nnet.LoadConfig(confPath); err != nil {
			return err
		}
		log.Debugf("loaded network config from %s", confPath)
	} else {
		conf = resnet.Build(hps, opts.Dataset, opts.ImageSize)
	}
	conf.TestBatch = hps.BatchSize
	conf.Threads = opts.Threads
	if conf, err = applySettings(conf, opts.Set); err != nil {
		return err
	}

	q := dev.NewQueue(conf.Threads)
	defer q.Shutdown()
	dset, err := nnet.NewDataset(dev, data, conf.TestBatch, false, rng)
	if err != nil {
		return err
	}
	defer dset.Release()
	net := nnet.New(q, conf, conf.TestBatch, dset.Shape())
	ev := nnet.NewEvaluator(net, dset, opts.EvalBatchCount, opts.LogRoot, log)
	if opts.EvalDir != "" {
		if err = os.MkdirAll(opts.EvalDir, 0755); err != nil {
			return errors.Wrap(err, "create eval_dir")
		}
		ev.OutFile = filepath.Join(opts.EvalDir, "precision.txt")
	}
	monitor, err := startMonitor(ctx, opts.HTTP, conf, log)
	if err != nil {
		return err
	}
	for {
		stats, err := ev.Test()
		switch {
		case err != nil && opts.EvalOnce:
			return err
		case err != nil:
			log.Warnw("evaluation failed", "error", err)
		case monitor != nil:
			monitor.AddStats(stats)
		}
		if opts.EvalOnce {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(evalInterval):
		}
	}
}
