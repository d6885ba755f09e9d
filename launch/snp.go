package launch

import (
	"errors"

	"github.com/google/logger"

	"github.com/google/go-sev-launch/ovmf"
	"github.com/google/go-sev-launch/sevcmd"
)

// snpFinish runs the irreversible SNP finalization: drain the queued
// launch regions in enqueue order, populate and commit the
// firmware-described metadata pages, then issue the finish command. Every
// failure past the first committed page is fatal; the firmware offers no
// way back out of a partially ingested launch image.
func (c *Context) snpFinish() error {
	if err := c.requireState("finish", LaunchUpdate); err != nil {
		return err
	}
	if c.vol == nil {
		return errors.New("no firmware image set, cannot locate SNP metadata sections")
	}
	metadata := c.vol.Metadata()
	if len(metadata) == 0 {
		return errors.New("firmware image carries no SNP metadata sections")
	}

	for _, r := range c.queue.drain() {
		c.commitRegion(r)
	}
	for _, section := range metadata {
		c.commitMetadataSection(section)
	}

	req := sevcmd.SnpLaunchFinishData{
		IDBlock:   c.idBlock,
		IDAuth:    c.idAuth,
		IDBlockEn: len(c.idBlock) > 0,
		AuthKeyEn: c.cfg.AuthorKeyEn,
	}
	copy(req.HostData[:], c.hostData)
	if err := c.ch.Guest(sevcmd.SnpLaunchFinish, &req); err != nil {
		fatalf("SNP_LAUNCH_FINISH: %v", err)
	}

	c.setState(Running)
	c.blockMigration()
	return nil
}

// commitRegion flips the region private with the virtualization layer and
// hands it to the firmware for ingestion.
func (c *Context) commitRegion(r PendingRegion) {
	logger.Infof("SNP launch update: gpa %#x len %#x type %v", r.GPA, len(r.Data), r.Type)

	if c.cfg.Converter != nil {
		if err := c.cfg.Converter.Convert(r.GPA, uint64(len(r.Data)), true); err != nil {
			fatalf("converting gpa %#x+%#x to private: %v", r.GPA, len(r.Data), err)
		}
	}

	req := sevcmd.SnpLaunchUpdateData{
		StartGFN: r.GPA >> 12,
		Data:     r.Data,
		PageType: uint8(r.Type),
	}
	if err := c.ch.Guest(sevcmd.SnpLaunchUpdate, &req); err != nil {
		if r.Type == PageTypeCPUID {
			c.reportCPUIDMismatches(r.Data)
		}
		fatalf("SNP_LAUNCH_UPDATE gpa %#x type %v: %v", r.GPA, r.Type, err)
	}
}

// commitMetadataSection populates one firmware-described guest region and
// commits it with the classification the section type dictates.
func (c *Context) commitMetadataSection(s ovmf.MetadataSection) {
	if c.cfg.Memory == nil {
		fatalf("no guest memory accessor configured for metadata section at %#x", s.GPA)
	}
	data, release, err := c.cfg.Memory.Map(uint64(s.GPA), uint64(s.Size))
	if err != nil {
		fatalf("mapping metadata section %v at %#x+%#x: %v", s.Type, s.GPA, s.Size, err)
	}
	defer release()

	pageType := PageTypeZero
	switch s.Type {
	case ovmf.SectionSecrets:
		pageType = PageTypeSecrets
	case ovmf.SectionCPUID:
		table, err := c.buildCPUIDPage(len(data))
		if err != nil {
			fatalf("building CPUID page: %v", err)
		}
		copy(data, table)
		pageType = PageTypeCPUID
	case ovmf.SectionKernelHashes:
		// Measured only when the operator asked for hashed boot artifacts;
		// the area content was placed by AddKernelHashes.
		if c.kernelHashes {
			pageType = PageTypeNormal
		}
	}

	c.commitRegion(PendingRegion{GPA: uint64(s.GPA), Data: data, Type: pageType})
}
