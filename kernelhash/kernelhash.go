// Package kernelhash builds the hash table the guest firmware consumes to
// verify a measured direct Linux boot: one SHA-256 digest each for the
// kernel command line, the initrd and the kernel image, packed into a
// GUID-tagged table that is encrypted into guest memory and therefore
// becomes part of the launch measurement.
package kernelhash

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/google/go-sev-launch/ovmf"
)

// Entry GUIDs, shared with the guest firmware and remote verifiers.
const (
	TableHeaderGUID  = "9438d606-4f22-4cc9-b479-a793d411fd21"
	KernelEntryGUID  = "4de79437-abd2-427f-b835-d5b172d2045b"
	InitrdEntryGUID  = "44baf731-3a2f-4bd7-9af1-41e29169781d"
	CmdlineEntryGUID = "97d02dd8-bd20-4c94-aa78-e7714d36ab2a"
)

const (
	// HashSize is the digest size of every table entry.
	HashSize = sha256.Size

	entrySize = 16 + 2 + HashSize // guid + len + hash
	tableSize = 16 + 2 + 3*entrySize

	// EncodedSize is the padded table size. The table is encrypted into
	// guest memory verbatim, and the encryption granule is 16 bytes.
	EncodedSize = (tableSize + 15) &^ 15
)

// Table holds the three boot artifact digests in their fixed order.
type Table struct {
	Cmdline [HashSize]byte
	Initrd  [HashSize]byte
	Kernel  [HashSize]byte
}

// Build hashes the boot artifacts. The command line is hashed with a
// terminating NUL appended, so an empty command line still contributes one
// byte. The kernel digest covers the setup data, when present, followed by
// the kernel image, as the guest loads them contiguously.
func Build(cmdline, initrd, setupData, kernel []byte) Table {
	var t Table

	cmdlineHash := sha256.New()
	cmdlineHash.Write(cmdline)
	cmdlineHash.Write([]byte{0})
	copy(t.Cmdline[:], cmdlineHash.Sum(nil))

	t.Initrd = sha256.Sum256(initrd)

	kernelHash := sha256.New()
	kernelHash.Write(setupData)
	kernelHash.Write(kernel)
	copy(t.Kernel[:], kernelHash.Sum(nil))

	return t
}

// Encode packs the table into its wire layout: header GUID and total
// length, then the command-line, initrd and kernel entries, zero padded to
// a 16-byte multiple. Padding bytes must be zero or the measurement would
// not be reproducible by a remote verifier.
func (t Table) Encode() []byte {
	buf := make([]byte, EncodedSize)

	hdr := ovmf.GUIDToBytes(TableHeaderGUID)
	copy(buf, hdr[:])
	binary.LittleEndian.PutUint16(buf[16:], tableSize)

	off := 18
	off = putEntry(buf, off, CmdlineEntryGUID, t.Cmdline)
	off = putEntry(buf, off, InitrdEntryGUID, t.Initrd)
	putEntry(buf, off, KernelEntryGUID, t.Kernel)

	return buf
}

func putEntry(buf []byte, off int, guid string, hash [HashSize]byte) int {
	g := ovmf.GUIDToBytes(guid)
	copy(buf[off:], g[:])
	binary.LittleEndian.PutUint16(buf[off+16:], entrySize)
	copy(buf[off+18:], hash[:])
	return off + entrySize
}
