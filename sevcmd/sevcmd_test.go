package sevcmd

import (
	"bytes"
	"errors"
	"testing"
)

func TestFwErrorToString(t *testing.T) {
	tests := []struct {
		code int32
		want string
	}{
		{retSuccess, ""},
		{retInvalidLen, "Buffer too small"},
		{retAlreadyOwned, "Platform is already owned"},
		{retBadMeasurement, "Bad measurement"},
		{retHwUnsafe, "Hardware unsafe"},
		{retSecureDataInvalid, "Part-specific integrity check failure"},
		{-1, "unknown error"},
		{25, "unknown error"},
		{9999, "unknown error"},
	}
	for _, test := range tests {
		if got := FwErrorToString(test.code); got != test.want {
			t.Errorf("FwErrorToString(%d) = %q, want %q", test.code, got, test.want)
		}
	}
}

func TestFirmwareErrorMatchesInvalidLen(t *testing.T) {
	err := &FirmwareError{Status: -1, Code: retInvalidLen}
	if !errors.Is(err, ErrInvalidLen) {
		t.Error("FirmwareError with the invalid length code should match ErrInvalidLen")
	}
	other := &FirmwareError{Status: -1, Code: retPolicyFailure}
	if errors.Is(other, ErrInvalidLen) {
		t.Error("FirmwareError with a different code should not match ErrInvalidLen")
	}
}

func TestQueryThenFetch(t *testing.T) {
	const reportedLen = 48
	fake := &Fake{
		GuestHandler: func(_ Command, req interface{}) error {
			m := req.(*LaunchMeasureData)
			if len(m.Data) < reportedLen {
				m.Len = reportedLen
				return &FirmwareError{Status: -1, Code: retInvalidLen}
			}
			copy(m.Data, bytes.Repeat([]byte{0xAB}, reportedLen))
			return nil
		},
	}

	var m LaunchMeasureData
	got, err := QueryThenFetch(
		func() (uint32, error) {
			err := fake.Guest(LaunchMeasure, &m)
			return m.Len, err
		},
		func(buf []byte) error {
			m.Data = buf
			return fake.Guest(LaunchMeasure, &m)
		},
	)
	if err != nil {
		t.Fatalf("QueryThenFetch() failed: %v", err)
	}
	if len(got) != reportedLen {
		t.Errorf("QueryThenFetch() returned %d bytes, want %d", len(got), reportedLen)
	}
	if len(fake.GuestCalls) != 2 {
		t.Errorf("expected exactly two firmware calls, got %d", len(fake.GuestCalls))
	}
}

func TestQueryThenFetchAbortsOnOtherErrors(t *testing.T) {
	fake := &Fake{
		GuestHandler: func(_ Command, _ interface{}) error {
			return &FirmwareError{Status: -1, Code: retInactive}
		},
	}
	_, err := QueryThenFetch(
		func() (uint32, error) {
			return 0, fake.Guest(LaunchMeasure, &LaunchMeasureData{})
		},
		func(buf []byte) error {
			t.Fatal("fetch should not run after a non-length probe failure")
			return nil
		},
	)
	if err == nil {
		t.Fatal("expected probe error to propagate")
	}
	var fe *FirmwareError
	if !errors.As(err, &fe) || fe.Code != retInactive {
		t.Errorf("unexpected error: %v", err)
	}
}
