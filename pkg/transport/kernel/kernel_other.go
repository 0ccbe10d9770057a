//go:build !linux

package kernel

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/raskyld/tipc/pkg/transport"
)

var errUnsupported = fmt.Errorf("kernel: AF_TIPC is not available on %s: %w", runtime.GOOS, errors.ErrUnsupported)

func (d *Driver) Open(transport.Kind) (transport.Conn, error) {
	return nil, errUnsupported
}

func (d *Driver) OwnNode() (uint32, error) {
	return 0, errUnsupported
}

func (d *Driver) LinkName(uint32, uint32) (string, error) {
	return "", errUnsupported
}
