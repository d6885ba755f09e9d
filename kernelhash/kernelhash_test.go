package kernelhash

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/google/go-sev-launch/ovmf"
)

func TestEncodeIsDeterministic(t *testing.T) {
	cmdline := []byte("console=ttyS0 root=/dev/vda")
	initrd := []byte("initrd contents")
	kernel := []byte("kernel image")

	a := Build(cmdline, initrd, nil, kernel).Encode()
	b := Build(cmdline, initrd, nil, kernel).Encode()
	if !bytes.Equal(a, b) {
		t.Error("identical inputs must produce byte-identical tables")
	}

	c := Build(cmdline, initrd, nil, []byte("kernel imagf")).Encode()
	if bytes.Equal(a, c) {
		t.Error("a single changed input byte must change the table")
	}
}

func TestEncodePadding(t *testing.T) {
	encoded := Build(nil, nil, nil, nil).Encode()

	if len(encoded)%16 != 0 {
		t.Errorf("encoded table is %d bytes, want a multiple of 16", len(encoded))
	}
	if len(encoded) != EncodedSize {
		t.Errorf("encoded table is %d bytes, want %d", len(encoded), EncodedSize)
	}
	for i, b := range encoded[tableSize:] {
		if b != 0 {
			t.Errorf("padding byte %d is %#x, want zero", i, b)
		}
	}
}

func TestBuildHashes(t *testing.T) {
	cmdline := []byte("quiet")
	initrd := []byte("ramdisk")
	setup := []byte("setup")
	kernel := []byte("vmlinuz")

	table := Build(cmdline, initrd, setup, kernel)

	// The command line is hashed with its terminating NUL.
	wantCmdline := sha256.Sum256(append([]byte("quiet"), 0))
	if table.Cmdline != wantCmdline {
		t.Error("command line digest must cover the terminating NUL")
	}

	wantInitrd := sha256.Sum256(initrd)
	if table.Initrd != wantInitrd {
		t.Error("initrd digest mismatch")
	}

	// Setup data and kernel are hashed as one concatenated buffer.
	wantKernel := sha256.Sum256([]byte("setupvmlinuz"))
	if table.Kernel != wantKernel {
		t.Error("kernel digest must cover setup data followed by the image")
	}
}

func TestEmptyCmdlineHashesOneByte(t *testing.T) {
	table := Build(nil, nil, nil, nil)
	want := sha256.Sum256([]byte{0})
	if table.Cmdline != want {
		t.Error("an absent command line must hash as a single NUL byte")
	}
}

func TestEncodeLayout(t *testing.T) {
	encoded := Build([]byte("a"), []byte("b"), nil, []byte("c")).Encode()

	hdr := ovmf.GUIDToBytes(TableHeaderGUID)
	if !bytes.Equal(encoded[0:16], hdr[:]) {
		t.Error("table must open with the header GUID")
	}
	if got := int(encoded[16]) | int(encoded[17])<<8; got != tableSize {
		t.Errorf("table length field = %d, want %d", got, tableSize)
	}

	cmdlineGUID := ovmf.GUIDToBytes(CmdlineEntryGUID)
	if !bytes.Equal(encoded[18:34], cmdlineGUID[:]) {
		t.Error("first entry must be the command line entry")
	}
	initrdGUID := ovmf.GUIDToBytes(InitrdEntryGUID)
	if !bytes.Equal(encoded[18+entrySize:34+entrySize], initrdGUID[:]) {
		t.Error("second entry must be the initrd entry")
	}
	kernelGUID := ovmf.GUIDToBytes(KernelEntryGUID)
	if !bytes.Equal(encoded[18+2*entrySize:34+2*entrySize], kernelGUID[:]) {
		t.Error("third entry must be the kernel entry")
	}
}
