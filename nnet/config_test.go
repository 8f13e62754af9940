package nnet

import (
	"path/filepath"
	"testing"

	"github.com/jnb666/resnet/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigSaveLoad(t *testing.T) {
	conf := testConfig()
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, conf.Save(path))
	conf2, err := LoadConfig(path)
	require.NoError(t, err)
	t.Log(conf2)
	assert.Equal(t, conf.String(), conf2.String())
	assert.Equal(t, "mom", conf2.Optimiser)
	assert.Equal(t, 0.01, conf2.Lambda)

	q := num.NewCPUDevice().NewQueue(1)
	net := New(q, conf2, testBatch, testShape)
	assert.Equal(t, 135, net.ParamCount())
	assert.Equal(t, "train/unit_1/shortcut/pad", net.Layers[1].(*add).shortcut[1].Scope())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestConfigSetString(t *testing.T) {
	conf, err := Config{}.SetString("Eta", "0.05")
	require.NoError(t, err)
	conf, err = conf.SetString("TrainBatch", "64")
	require.NoError(t, err)
	conf, err = conf.SetString("Optimiser", "sgd")
	require.NoError(t, err)
	conf, err = conf.SetString("UseGPU", "true")
	require.NoError(t, err)
	assert.Equal(t, Config{Eta: 0.05, TrainBatch: 64, Optimiser: "sgd", UseGPU: true}, conf)

	_, err = conf.SetString("Unknown", "1")
	assert.Error(t, err)
	_, err = conf.SetString("TrainBatch", "x")
	assert.Error(t, err)
	_, err = conf.SetString("Layers", "[]")
	assert.Error(t, err)
}
