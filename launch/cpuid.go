package launch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/logger"
)

// CPUIDEntry is one host CPUID function result, keyed by the input
// registers that select it.
type CPUIDEntry struct {
	EaxIn uint32
	EcxIn uint32
	Eax   uint32
	Ebx   uint32
	Ecx   uint32
	Edx   uint32
}

// Measured CPUID page layout, shared with the firmware.
const (
	cpuidMaxEntries = 64
	cpuidHeaderSize = 16 // count:4 + reserved:12
	cpuidEntrySize  = 40
	cpuidTableSize  = cpuidHeaderSize + cpuidMaxEntries*cpuidEntrySize

	xstateLeaf = 0xd
)

// snpCPUIDEntry is the guest-visible table entry. XCR0In and XSSIn narrow
// the entry to one extended-state configuration.
type snpCPUIDEntry struct {
	EaxIn  uint32
	EcxIn  uint32
	XCR0In uint64
	XSSIn  uint64
	Eax    uint32
	Ebx    uint32
	Ecx    uint32
	Edx    uint32
}

// buildCPUIDPage derives the measured CPUID table from the host's own
// CPUID values. The table is never taken from guest-supplied metadata.
// The extended-state enumeration leaf is pinned to a fixed minimal value:
// the guest kernel recomputes the real sizes itself, and host-observed
// values here would leak host configuration into the measurement. The
// built table is retained for mismatch diagnosis.
func (c *Context) buildCPUIDPage(pageLen int) ([]byte, error) {
	if c.cfg.HostCPUID == nil {
		return nil, errors.New("no host CPUID source configured")
	}
	if pageLen < cpuidTableSize {
		return nil, fmt.Errorf("CPUID section is %d bytes, table needs %d", pageLen, cpuidTableSize)
	}
	host, err := c.cfg.HostCPUID()
	if err != nil {
		return nil, fmt.Errorf("reading host CPUID: %w", err)
	}
	if len(host) > cpuidMaxEntries {
		return nil, fmt.Errorf("host reports %d CPUID entries, table holds %d", len(host), cpuidMaxEntries)
	}

	entries := make([]snpCPUIDEntry, len(host))
	for i, h := range host {
		e := snpCPUIDEntry{
			EaxIn: h.EaxIn, EcxIn: h.EcxIn,
			Eax: h.Eax, Ebx: h.Ebx, Ecx: h.Ecx, Edx: h.Edx,
		}
		if h.EaxIn == xstateLeaf && (h.EcxIn == 0 || h.EcxIn == 1) {
			e.Ebx = 0x240
			e.XCR0In = 1
			e.XSSIn = 0
		}
		entries[i] = e
	}

	page := make([]byte, pageLen)
	binary.LittleEndian.PutUint32(page[0:], uint32(len(entries)))
	for i, e := range entries {
		putCPUIDEntry(page[cpuidHeaderSize+i*cpuidEntrySize:], e)
	}
	c.lastCPUID = append([]byte(nil), page[:cpuidTableSize]...)
	return page, nil
}

func putCPUIDEntry(buf []byte, e snpCPUIDEntry) {
	binary.LittleEndian.PutUint32(buf[0:], e.EaxIn)
	binary.LittleEndian.PutUint32(buf[4:], e.EcxIn)
	binary.LittleEndian.PutUint64(buf[8:], e.XCR0In)
	binary.LittleEndian.PutUint64(buf[16:], e.XSSIn)
	binary.LittleEndian.PutUint32(buf[24:], e.Eax)
	binary.LittleEndian.PutUint32(buf[28:], e.Ebx)
	binary.LittleEndian.PutUint32(buf[32:], e.Ecx)
	binary.LittleEndian.PutUint32(buf[36:], e.Edx)
}

func getCPUIDEntry(buf []byte) snpCPUIDEntry {
	return snpCPUIDEntry{
		EaxIn:  binary.LittleEndian.Uint32(buf[0:]),
		EcxIn:  binary.LittleEndian.Uint32(buf[4:]),
		XCR0In: binary.LittleEndian.Uint64(buf[8:]),
		XSSIn:  binary.LittleEndian.Uint64(buf[16:]),
		Eax:    binary.LittleEndian.Uint32(buf[24:]),
		Ebx:    binary.LittleEndian.Uint32(buf[28:]),
		Ecx:    binary.LittleEndian.Uint32(buf[32:]),
		Edx:    binary.LittleEndian.Uint32(buf[36:]),
	}
}

// reportCPUIDMismatches diffs the submitted CPUID table against the
// firmware-corrected page content after a rejection, leaf by leaf. Purely
// diagnostic; the rejection itself is handled by the caller.
func (c *Context) reportCPUIDMismatches(corrected []byte) {
	if len(c.lastCPUID) < cpuidTableSize || len(corrected) < cpuidTableSize {
		return
	}
	submittedCount := int(binary.LittleEndian.Uint32(c.lastCPUID[0:]))
	correctedCount := int(binary.LittleEndian.Uint32(corrected[0:]))
	if submittedCount != correctedCount {
		logger.Errorf("CPUID table entry count mismatch: submitted %d, firmware expects %d",
			submittedCount, correctedCount)
	}

	n := submittedCount
	if correctedCount < n {
		n = correctedCount
	}
	if n > cpuidMaxEntries {
		n = cpuidMaxEntries
	}
	for i := 0; i < n; i++ {
		off := cpuidHeaderSize + i*cpuidEntrySize
		sub := getCPUIDEntry(c.lastCPUID[off:])
		cor := getCPUIDEntry(corrected[off:])
		if sub != cor {
			logger.Errorf("CPUID leaf %#x.%#x mismatch: submitted %+v, firmware expects %+v",
				sub.EaxIn, sub.EcxIn, sub, cor)
		}
	}
}
