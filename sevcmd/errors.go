package sevcmd

import (
	"errors"
	"fmt"
)

// Firmware status codes as reported by the security processor. The values
// are part of the firmware ABI and must not be reordered.
const (
	retSuccess              = 0
	retInvalidPlatformState = 1
	retInvalidGuestState    = 2
	retInvalidConfig        = 3
	retInvalidLen           = 4
	retAlreadyOwned         = 5
	retInvalidCertificate   = 6
	retPolicyFailure        = 7
	retInactive             = 8
	retInvalidAddress       = 9
	retBadSignature         = 10
	retBadMeasurement       = 11
	retASIDOwned            = 12
	retInvalidASID          = 13
	retWBINVDRequired       = 14
	retDFFlushRequired      = 15
	retInvalidGuest         = 16
	retInvalidCommand       = 17
	retActive               = 18
	retHwPlatform           = 19
	retHwUnsafe             = 20
	retUnsupported          = 21
	retInvalidParam         = 22
	retResourceLimit        = 23
	retSecureDataInvalid    = 24
)

var fwErrList = [...]string{
	retSuccess:              "",
	retInvalidPlatformState: "Platform state is invalid",
	retInvalidGuestState:    "Guest state is invalid",
	retInvalidConfig:        "Platform configuration is invalid",
	retInvalidLen:           "Buffer too small",
	retAlreadyOwned:         "Platform is already owned",
	retInvalidCertificate:   "Certificate is invalid",
	retPolicyFailure:        "Policy is not allowed",
	retInactive:             "Guest is not active",
	retInvalidAddress:       "Invalid address",
	retBadSignature:         "Bad signature",
	retBadMeasurement:       "Bad measurement",
	retASIDOwned:            "ASID is already owned",
	retInvalidASID:          "Invalid ASID",
	retWBINVDRequired:       "WBINVD is required",
	retDFFlushRequired:      "DF_FLUSH is required",
	retInvalidGuest:         "Guest handle is invalid",
	retInvalidCommand:       "Invalid command",
	retActive:               "Guest is active",
	retHwPlatform:           "Hardware error",
	retHwUnsafe:             "Hardware unsafe",
	retUnsupported:          "Feature not supported",
	retInvalidParam:         "Invalid parameter",
	retResourceLimit:        "Required firmware resource depleted",
	retSecureDataInvalid:    "Part-specific integrity check failure",
}

// FwErrorToString translates a firmware error code to a human readable
// message. Unknown codes translate to "unknown error".
func FwErrorToString(code int32) string {
	if code < 0 || int(code) >= len(fwErrList) {
		return "unknown error"
	}
	return fwErrList[code]
}

// ErrInvalidLen matches a firmware "Buffer too small" failure, the trigger
// for the size-query retry in QueryThenFetch.
var ErrInvalidLen = &FirmwareError{Status: -1, Code: retInvalidLen}

// FirmwareError is a failed firmware command: the mediation layer status
// and the firmware-level error code.
type FirmwareError struct {
	Status int32
	Code   int32
}

func (e *FirmwareError) Error() string {
	return fmt.Sprintf("ret=%d fw_error=%d '%s'", e.Status, e.Code, FwErrorToString(e.Code))
}

// Is reports equality by firmware error code so callers can match against
// ErrInvalidLen regardless of the mediation layer status.
func (e *FirmwareError) Is(target error) bool {
	var fe *FirmwareError
	if !errors.As(target, &fe) {
		return false
	}
	return e.Code == fe.Code
}
