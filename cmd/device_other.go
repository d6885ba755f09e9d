//go:build !linux

package cmd

import (
	"errors"

	"github.com/google/go-sev-launch/sevcmd"
)

func openPlatform() (sevcmd.Channel, func() error, error) {
	return nil, nil, errors.New("the security processor device is only available on Linux")
}
