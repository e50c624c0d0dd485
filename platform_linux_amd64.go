//go:build linux && amd64

package ivee

import (
	"github.com/go-ivee/ivee/internal/hv"
	"github.com/go-ivee/ivee/internal/hv/kvm"
)

func openPlatformBackend() (hv.Hypervisor, error) {
	backend, err := kvm.Open()
	if err != nil {
		return nil, backendUnavailable("Create", err)
	}
	return backend, nil
}
