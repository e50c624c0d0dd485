//go:build !(linux && amd64)

package ivee

import "github.com/go-ivee/ivee/internal/hv"

func openPlatformBackend() (hv.Hypervisor, error) {
	return nil, backendUnavailable("Create", ErrUnsupported)
}
