// Package ghcb serves the runtime requests a SNP guest issues through its
// guest-hypervisor communication block: page-state conversions between
// shared and private, over both the shared-buffer and the register-based
// protocol, and extended certificate data requests.
package ghcb

import (
	"encoding/binary"
	"fmt"

	"github.com/google/logger"
)

// GuestMemory resolves guest physical ranges to host mappings. The
// returned release func must be called on every exit path.
type GuestMemory interface {
	Map(gpa, length uint64) ([]byte, func(), error)
}

// Converter flips the private/shared encryption attribute of a guest
// physical range with the virtualization layer.
type Converter interface {
	Convert(gpa, length uint64, private bool) error
}

// Operation is a page-state conversion direction. Values are part of the
// guest-visible protocol.
type Operation uint8

const (
	OpPrivate Operation = 1
	OpShared  Operation = 2
)

const (
	pageSize = 0x1000

	// SharedBufSize is the size of the GHCB shared buffer carrying the
	// conversion descriptor.
	SharedBufSize = 0x7f0

	pscHeaderSize = 8
	pscEntrySize  = 8

	// MaxEntries is the descriptor capacity; header plus entries fill the
	// shared buffer exactly.
	MaxEntries = (SharedBufSize - pscHeaderSize) / pscEntrySize

	// PSCInterrupted tells the guest processing stopped partway; the
	// header cursor reports how far it got.
	PSCInterrupted = 0x100 << 32
)

// Entry is one decoded conversion request: a guest frame range start, its
// page size, and the direction. CurPage is the progress counter written
// back to the guest.
type Entry struct {
	CurPage  uint16 // 12 bits
	GFN      uint64 // 40 bits
	Op       Operation
	HugePage bool // 2 MiB page instead of 4 KiB
}

// frames returns how many 4 KiB frames the entry covers.
func (e Entry) frames() uint64 {
	if e.HugePage {
		return 512
	}
	return 1
}

// DecodeEntry unpacks one descriptor entry from its packed 8-byte form.
func DecodeEntry(raw uint64) Entry {
	return Entry{
		CurPage:  uint16(raw & 0xfff),
		GFN:      (raw >> 12) & (1<<40 - 1),
		Op:       Operation((raw >> 52) & 0xf),
		HugePage: (raw>>56)&1 != 0,
	}
}

// EncodeEntry packs an entry into its 8-byte wire form.
func EncodeEntry(e Entry) uint64 {
	var raw uint64
	raw |= uint64(e.CurPage) & 0xfff
	raw |= (e.GFN & (1<<40 - 1)) << 12
	raw |= uint64(e.Op&0xf) << 52
	if e.HugePage {
		raw |= 1 << 56
	}
	return raw
}

// HandlePSC serves one buffer-protocol page-state-conversion request and
// returns the result value for the guest. The descriptor lives in
// guest-writable memory, so it is copied out before processing and the
// updated copy written back afterwards; the guest never observes a
// half-updated header.
//
// Entries are coalesced: a run of contiguous frames sharing one direction
// converts in a single call. On a conversion failure the cursor stops
// before the failing run and the guest retries from there.
func HandlePSC(mem GuestMemory, conv Converter, sharedGPA uint64) uint64 {
	shared, release, err := mem.Map(sharedGPA, SharedBufSize)
	if err != nil || len(shared) < SharedBufSize {
		logger.Warningf("unable to map shared buffer at %#x: %v", sharedGPA, err)
		if err == nil {
			release()
		}
		return PSCInterrupted
	}
	local := make([]byte, SharedBufSize)
	copy(local, shared)
	release()

	ret := processDescriptor(local, conv)

	shared, release, err = mem.Map(sharedGPA, SharedBufSize)
	if err != nil || len(shared) < SharedBufSize {
		logger.Warningf("unable to map shared buffer at %#x for writeback: %v", sharedGPA, err)
		if err == nil {
			release()
		}
		return PSCInterrupted
	}
	copy(shared, local)
	release()

	return ret
}

// processDescriptor runs the scan/convert/advance loop over the local
// descriptor copy, updating its header cursor and per-entry progress.
func processDescriptor(buf []byte, conv Converter) uint64 {
	cur := binary.LittleEndian.Uint16(buf[0:])
	end := binary.LittleEndian.Uint16(buf[2:])
	if end >= MaxEntries {
		logger.Warningf("conversion descriptor end entry %d exceeds capacity %d", end, MaxEntries)
		return PSCInterrupted
	}

	for cur <= end {
		processed, gfn, count, private := nextContigRange(buf, cur, end)
		if processed == 0 {
			break
		}
		if err := conv.Convert(gfn*pageSize, count*pageSize, private); err != nil {
			logger.Warningf("converting gfn %#x count %d private=%v: %v", gfn, count, private, err)
			return PSCInterrupted
		}
		cur += processed
		binary.LittleEndian.PutUint16(buf[0:], cur)
	}
	return 0
}

// nextContigRange scans from cur for the longest run of entries sharing
// one direction over contiguous frames, marking each scanned entry's
// progress counter. The run ends at the first direction change or frame
// gap.
func nextContigRange(buf []byte, cur, end uint16) (processed uint16, gfnBase, gfnCount uint64, private bool) {
	for i := cur; i <= end; i++ {
		raw := binary.LittleEndian.Uint64(buf[pscHeaderSize+int(i)*pscEntrySize:])
		entry := DecodeEntry(raw)
		toPrivate := entry.Op == OpPrivate

		if gfnCount == 0 {
			private = toPrivate
			gfnBase = entry.GFN
		}
		if entry.GFN != gfnBase+gfnCount || toPrivate != private {
			return processed, gfnBase, gfnCount, private
		}

		gfnCount += entry.frames()
		entry.CurPage = uint16(entry.frames())
		binary.LittleEndian.PutUint64(buf[pscHeaderSize+int(i)*pscEntrySize:], EncodeEntry(entry))
		processed++
	}
	return processed, gfnBase, gfnCount, private
}

// HandleMSRPSC serves the register-based protocol: a single-page
// conversion with the direction carried in the request itself.
func HandleMSRPSC(conv Converter, gpa uint64, op Operation) error {
	if err := conv.Convert(gpa, pageSize, op == OpPrivate); err != nil {
		return fmt.Errorf("converting page %#x: %w", gpa, err)
	}
	return nil
}
