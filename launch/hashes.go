package launch

import (
	"errors"
	"fmt"

	"github.com/google/go-sev-launch/kernelhash"
)

// AddKernelHashes writes the measured-boot hash table into the
// firmware-designated guest area. A SEV guest encrypts the area in place
// immediately; a SNP guest leaves the content for the kernel-hashes
// metadata page, which is committed as measured data at finish time.
func (c *Context) AddKernelHashes(table kernelhash.Table) error {
	if err := c.requireState("add-kernel-hashes", LaunchUpdate); err != nil {
		return err
	}
	if c.vol == nil {
		return errors.New("no firmware image set, cannot locate the hashes table area")
	}
	area, err := c.vol.HashTable()
	if err != nil {
		return err
	}
	if area.Size < kernelhash.EncodedSize {
		return fmt.Errorf("hashes table area is %d bytes, table needs %d", area.Size, kernelhash.EncodedSize)
	}
	if c.cfg.Memory == nil {
		return errors.New("no guest memory accessor configured")
	}

	guest, release, err := c.cfg.Memory.Map(uint64(area.Base), uint64(area.Size))
	if err != nil {
		return fmt.Errorf("mapping hashes table area at %#x: %w", area.Base, err)
	}
	defer release()

	for i := range guest {
		guest[i] = 0
	}
	copy(guest, table.Encode())

	if c.cfg.Type == TypeSevSnp {
		c.kernelHashes = true
		return nil
	}
	return c.updateData(uint64(area.Base), guest, PageTypeNormal)
}
