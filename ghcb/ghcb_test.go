package ghcb

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/logger"
)

func TestMain(m *testing.M) {
	logger.Init("ghcb_test", false, false, io.Discard)
	os.Exit(m.Run())
}

// fakeMemory backs a guest physical window with one host buffer.
type fakeMemory struct {
	base uint64
	buf  []byte
}

func (m *fakeMemory) Map(gpa, length uint64) ([]byte, func(), error) {
	if gpa < m.base || gpa+length > m.base+uint64(len(m.buf)) {
		return nil, nil, errors.New("gpa out of range")
	}
	off := gpa - m.base
	return m.buf[off : off+length], func() {}, nil
}

type convertCall struct {
	GPA     uint64
	Length  uint64
	Private bool
}

// fakeConverter records conversions and fails from call FailAt on (1-based).
type fakeConverter struct {
	calls  []convertCall
	failAt int
}

func (c *fakeConverter) Convert(gpa, length uint64, private bool) error {
	c.calls = append(c.calls, convertCall{GPA: gpa, Length: length, Private: private})
	if c.failAt > 0 && len(c.calls) >= c.failAt {
		return errors.New("conversion refused")
	}
	return nil
}

// buildDescriptor assembles a shared buffer holding the given entries.
func buildDescriptor(entries []Entry) *fakeMemory {
	buf := make([]byte, SharedBufSize)
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(entries)-1))
	for i, e := range entries {
		binary.LittleEndian.PutUint64(buf[pscHeaderSize+i*pscEntrySize:], EncodeEntry(e))
	}
	return &fakeMemory{base: 0x1000, buf: buf}
}

func TestHandlePSCCoalescesRuns(t *testing.T) {
	mem := buildDescriptor([]Entry{
		{GFN: 100, Op: OpPrivate},
		{GFN: 101, Op: OpPrivate},
		{GFN: 200, Op: OpShared},
	})
	conv := &fakeConverter{}

	if ret := HandlePSC(mem, conv, 0x1000); ret != 0 {
		t.Fatalf("HandlePSC() = %#x, want 0", ret)
	}

	want := []convertCall{
		{GPA: 100 * 0x1000, Length: 2 * 0x1000, Private: true},
		{GPA: 200 * 0x1000, Length: 0x1000, Private: false},
	}
	if diff := cmp.Diff(want, conv.calls); diff != "" {
		t.Errorf("conversion calls diff (-want +got):\n%s", diff)
	}

	if cur := binary.LittleEndian.Uint16(mem.buf[0:]); cur != 3 {
		t.Errorf("cursor = %d, want 3 (past all entries)", cur)
	}
}

func TestHandlePSCHugePageContiguity(t *testing.T) {
	// A 2 MiB entry covers 512 frames; the next entry is contiguous only
	// if it starts 512 frames later.
	mem := buildDescriptor([]Entry{
		{GFN: 0x200, Op: OpPrivate, HugePage: true},
		{GFN: 0x400, Op: OpPrivate},
	})
	conv := &fakeConverter{}

	if ret := HandlePSC(mem, conv, 0x1000); ret != 0 {
		t.Fatalf("HandlePSC() = %#x, want 0", ret)
	}
	want := []convertCall{
		{GPA: 0x200 * 0x1000, Length: 513 * 0x1000, Private: true},
	}
	if diff := cmp.Diff(want, conv.calls); diff != "" {
		t.Errorf("conversion calls diff (-want +got):\n%s", diff)
	}
}

func TestHandlePSCPartialProgress(t *testing.T) {
	mem := buildDescriptor([]Entry{
		{GFN: 100, Op: OpPrivate},
		{GFN: 101, Op: OpPrivate},
		{GFN: 200, Op: OpShared},
	})
	conv := &fakeConverter{failAt: 2}

	if ret := HandlePSC(mem, conv, 0x1000); ret != PSCInterrupted {
		t.Fatalf("HandlePSC() = %#x, want interrupted sentinel %#x", ret, uint64(PSCInterrupted))
	}
	if len(conv.calls) != 2 {
		t.Fatalf("got %d conversion calls, want 2 (second one fails)", len(conv.calls))
	}
	// The cursor advanced past the first run only; the guest retries the
	// failing run from entry 2.
	if cur := binary.LittleEndian.Uint16(mem.buf[0:]); cur != 2 {
		t.Errorf("cursor = %d, want 2", cur)
	}
}

func TestHandlePSCWritesProgressCounters(t *testing.T) {
	mem := buildDescriptor([]Entry{
		{GFN: 7, Op: OpShared},
		{GFN: 0x200, Op: OpPrivate, HugePage: true},
	})
	conv := &fakeConverter{}

	if ret := HandlePSC(mem, conv, 0x1000); ret != 0 {
		t.Fatalf("HandlePSC() = %#x, want 0", ret)
	}

	first := DecodeEntry(binary.LittleEndian.Uint64(mem.buf[pscHeaderSize:]))
	if first.CurPage != 1 {
		t.Errorf("4 KiB entry progress = %d, want 1", first.CurPage)
	}
	second := DecodeEntry(binary.LittleEndian.Uint64(mem.buf[pscHeaderSize+pscEntrySize:]))
	if second.CurPage != 512 {
		t.Errorf("2 MiB entry progress = %d, want 512", second.CurPage)
	}
}

func TestHandlePSCRejectsOversizedHeader(t *testing.T) {
	buf := make([]byte, SharedBufSize)
	binary.LittleEndian.PutUint16(buf[2:], MaxEntries)
	mem := &fakeMemory{base: 0x1000, buf: buf}
	conv := &fakeConverter{}

	if ret := HandlePSC(mem, conv, 0x1000); ret != PSCInterrupted {
		t.Errorf("HandlePSC() = %#x, want interrupted sentinel", ret)
	}
	if len(conv.calls) != 0 {
		t.Errorf("got %d conversion calls, want none for a malformed header", len(conv.calls))
	}
}

func TestHandlePSCUnmappableBuffer(t *testing.T) {
	mem := &fakeMemory{base: 0x1000, buf: make([]byte, SharedBufSize)}
	conv := &fakeConverter{}

	if ret := HandlePSC(mem, conv, 0x100000); ret != PSCInterrupted {
		t.Errorf("HandlePSC() = %#x, want interrupted sentinel for unmappable buffer", ret)
	}
}

func TestEntryCodecRoundTrip(t *testing.T) {
	want := Entry{CurPage: 0x123, GFN: 0xabcdef0123, Op: OpShared, HugePage: true}
	got := DecodeEntry(EncodeEntry(want))
	if got != want {
		t.Errorf("DecodeEntry(EncodeEntry()) = %+v, want %+v", got, want)
	}

	// Known bit positions: gfn starts at bit 12, operation at 52, page
	// size at 56.
	raw := EncodeEntry(Entry{GFN: 1, Op: OpPrivate, HugePage: true})
	if raw != 1<<12|1<<52|1<<56 {
		t.Errorf("EncodeEntry() = %#x, want %#x", raw, uint64(1<<12|1<<52|1<<56))
	}
}

func TestHandleMSRPSC(t *testing.T) {
	conv := &fakeConverter{}
	if err := HandleMSRPSC(conv, 0x5000, OpPrivate); err != nil {
		t.Fatalf("HandleMSRPSC() failed: %v", err)
	}
	want := []convertCall{{GPA: 0x5000, Length: 0x1000, Private: true}}
	if diff := cmp.Diff(want, conv.calls); diff != "" {
		t.Errorf("conversion calls diff (-want +got):\n%s", diff)
	}

	conv = &fakeConverter{failAt: 1}
	if err := HandleMSRPSC(conv, 0x5000, OpShared); err == nil {
		t.Error("HandleMSRPSC() should surface the conversion failure")
	}
}
