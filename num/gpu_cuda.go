//go:build cuda

package num

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/cu"
)

// GPU device is bound to the first Cuda device. There are no Cuda kernels for the DNN
// layers so every op is soft placed onto the CPU implementation.
type gpuDevice struct {
	cpuDevice
	dev  cu.Device
	desc string
}

func newGPUDevice() (Device, error) {
	count, err := cu.NumDevices()
	if err != nil {
		return nil, errors.Wrap(err, "cuda: error getting device count")
	}
	if count < 1 {
		return nil, errors.New("cuda: no device found")
	}
	dev := cu.Device(0)
	name, err := dev.Name()
	if err != nil {
		return nil, errors.Wrap(err, "cuda: error getting device name")
	}
	mem, err := dev.TotalMem()
	if err != nil {
		return nil, errors.Wrap(err, "cuda: error getting device memory")
	}
	desc := fmt.Sprintf("%s with %d MiB", name, mem>>20)
	return gpuDevice{dev: dev, desc: desc}, nil
}

func (d gpuDevice) Name() string { return "/gpu:0" }

func (d gpuDevice) Place(op string) string { return "/cpu:0" }

func (d gpuDevice) String() string { return d.desc }

func (d gpuDevice) NewQueue(threads int) Queue {
	q := d.cpuDevice.NewQueue(threads).(*cpuQueue)
	q.Device = d
	return q
}
