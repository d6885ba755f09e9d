//go:build linux

package cmd

import (
	"github.com/google/go-sev-launch/sevcmd"
)

// openPlatform opens the security processor device for platform-scoped
// commands. No VM descriptor is involved.
func openPlatform() (sevcmd.Channel, func() error, error) {
	dev, err := sevcmd.OpenDevice(devicePath, -1)
	if err != nil {
		return nil, nil, err
	}
	return dev, dev.Close, nil
}
