//go:build !cuda

package num

import "github.com/pkg/errors"

func newGPUDevice() (Device, error) {
	return nil, errors.New("gpu device requested but binary was built without the cuda tag")
}
