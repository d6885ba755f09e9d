package cmd

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-sev-launch/ovmf"
)

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	outFile := filepath.Join(t.TempDir(), "out")
	RootCmd.SetArgs(append(args, "--quiet", "--output", outFile))
	if err := RootCmd.Execute(); err != nil {
		t.Fatalf("%v failed: %v", args, err)
	}
	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestHashesCommand(t *testing.T) {
	dir := t.TempDir()
	kernelFile := filepath.Join(dir, "kernel")
	if err := os.WriteFile(kernelFile, []byte("vmlinuz"), 0600); err != nil {
		t.Fatal(err)
	}

	out := runCmd(t, "hashes", "--kernel", kernelFile, "--cmdline", "quiet")

	wantKernel := sha256.Sum256([]byte("vmlinuz"))
	if !strings.Contains(out, hex.EncodeToString(wantKernel[:])) {
		t.Errorf("output does not contain the kernel digest:\n%s", out)
	}
	wantCmdline := sha256.Sum256(append([]byte("quiet"), 0))
	if !strings.Contains(out, hex.EncodeToString(wantCmdline[:])) {
		t.Errorf("output does not contain the command line digest:\n%s", out)
	}
}

func TestInspectVolumeCommand(t *testing.T) {
	img := make([]byte, 0x1000)

	entry := make([]byte, 4+18)
	binary.LittleEndian.PutUint32(entry, 0xfffffff0)
	binary.LittleEndian.PutUint16(entry[4:], uint16(len(entry)))
	g := ovmf.GUIDToBytes(ovmf.ResetBlockGUID)
	copy(entry[6:], g[:])

	footer := make([]byte, 18)
	binary.LittleEndian.PutUint16(footer, uint16(len(entry)+18))
	g = ovmf.GUIDToBytes(ovmf.FooterGUID)
	copy(footer[2:], g[:])

	pos := len(img) - 32 - 18
	copy(img[pos:], footer)
	copy(img[pos-len(entry):], entry)

	imgFile := filepath.Join(t.TempDir(), "OVMF.fd")
	if err := os.WriteFile(imgFile, img, 0600); err != nil {
		t.Fatal(err)
	}

	out := runCmd(t, "inspect-volume", imgFile)
	if !strings.Contains(out, "0xfffffff0") {
		t.Errorf("output does not report the reset vector:\n%s", out)
	}
}
