package ppuerrors

import (
	"errors"
	"strings"
)

// Guest program (P) faults. The offending thread is stopped or paused, the process keeps running.
var (
	ErrPUnknownOpcode   = errors.New("P1|UnknownOpcode: Unknown or illegal instruction.")
	ErrPUnalignedAtomic = errors.New("P2|UnalignedAtomic: Reservation instruction on a misaligned address.")
	ErrPStackOverflow   = errors.New("P3|StackOverflow: Stack pointer moved below the thread stack.")
	ErrPAccessViolation = errors.New("P4|AccessViolation: Access to unmapped or protected guest memory.")
	ErrPTrap            = errors.New("P5|Trap: Trap instruction condition met.")
	ErrPInvalidCommand  = errors.New("P6|InvalidCommand: Malformed thread control command.")
	ErrPNotExecutable   = errors.New("P7|NotExecutable: Dispatch reached an address without a slot entry.")
	ErrPUnknownHLE      = errors.New("P8|UnknownHLE: HLE function index is not registered.")
)

// Host resource (R) faults. Fatal to one module, fragment or patch operation.
var (
	ErrRCacheDir           = errors.New("R1|CacheDir: Failed to create the compiled object cache directory.")
	ErrRBackendUnavailable = errors.New("R2|BackendUnavailable: No translation backend is configured.")
	ErrRTranslationFailed  = errors.New("R3|TranslationFailed: Translation of a module fragment failed.")
	ErrRPatchRefused       = errors.New("R4|PatchRefused: Code patch is not possible in the current state.")
	ErrRObjectCorrupt      = errors.New("R5|ObjectCorrupt: Compiled object failed to decode.")
	ErrRSymbolMissing      = errors.New("R6|SymbolMissing: Linked objects do not export a required symbol.")
	ErrRStopped            = errors.New("R7|Stopped: Emulation is stopping.")
)

// Memory (M) errors returned to host-side callers.
var (
	ErrMOutOfMemory    = errors.New("M1|OutOfMemory: No free range left in the memory area.")
	ErrMInvalidAddress = errors.New("M2|InvalidAddress: Address is not the base of an allocation.")
	ErrMAlreadyMapped  = errors.New("M3|AlreadyMapped: Range overlaps an existing mapping.")
)

var all = []error{
	ErrPUnknownOpcode, ErrPUnalignedAtomic, ErrPStackOverflow, ErrPAccessViolation, ErrPTrap,
	ErrPInvalidCommand, ErrPNotExecutable, ErrPUnknownHLE,
	ErrRCacheDir, ErrRBackendUnavailable, ErrRTranslationFailed, ErrRPatchRefused, ErrRObjectCorrupt,
	ErrRSymbolMissing, ErrRStopped,
	ErrMOutOfMemory, ErrMInvalidAddress, ErrMAlreadyMapped,
}

// sentinel returns the coded error wrapped somewhere inside err, or err itself.
func sentinel(err error) error {
	for _, s := range all {
		if errors.Is(err, s) {
			return s
		}
	}
	return err
}

// IsGuestFault reports whether err carries a guest program fault.
func IsGuestFault(err error) bool {
	return strings.HasPrefix(GetErrorCode(err), "P")
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := sentinel(err).Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := sentinel(err).Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}
