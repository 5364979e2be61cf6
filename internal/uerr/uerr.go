// Package uerr defines the error taxonomy of §7, kept as a leaf package so
// every internal component and the root ubi package can share one Kind/Error
// type without an import cycle.
package uerr

import "fmt"

// Kind classifies an error the way §7 of the design groups failures, not by
// Go type. Higher layers branch on Kind instead of doing string matching.
type Kind int

const (
	// KindTransientIO is a read/write glitch the I/O facade already retried.
	KindTransientIO Kind = iota
	// KindUncorrectableRead is a read failure that must be surfaced, not retried.
	KindUncorrectableRead
	// KindBadPEB marks a PEB that must be retired.
	KindBadPEB
	// KindCorruptHeader is a header with a bad magic or CRC; the PEB is preserved, not erased.
	KindCorruptHeader
	// KindBitflip is a corrected ECC bit-flip; the read still succeeded.
	KindBitflip
	// KindOutOfSpace means no PEB was available and retrying will not help.
	KindOutOfSpace
	// KindContendedMove is a wear-level move cancelled by a racing LEB user.
	KindContendedMove
	// KindFastmapInvalid means the on-flash checkpoint failed validation; fall back to scan.
	KindFastmapInvalid
	// KindFatal means the instance has latched read-only.
	KindFatal
	// KindNotMapped reports that a static volume's LEB has no mapping.
	KindNotMapped
	// KindBusy reports an open-mode conflict in the volume registry (§4.H):
	// requesting exclusive/write/metaonly access against an incompatible
	// existing open.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient-io"
	case KindUncorrectableRead:
		return "uncorrectable-read"
	case KindBadPEB:
		return "bad-peb"
	case KindCorruptHeader:
		return "corrupt-header"
	case KindBitflip:
		return "bitflip"
	case KindOutOfSpace:
		return "out-of-space"
	case KindContendedMove:
		return "contended-move"
	case KindFastmapInvalid:
		return "fastmap-invalid"
	case KindFatal:
		return "fatal"
	case KindNotMapped:
		return "not-mapped"
	case KindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Error is the error value returned across every component boundary named
// in the design: it always carries a Kind so callers can branch on
// behavior rather than message text, plus whatever caused it.
type Error struct {
	Kind    Kind
	PEB     int // -1 if not PEB-specific
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.PEB >= 0 {
		if e.Cause != nil {
			return fmt.Sprintf("ubi: %s: peb %d: %s: %v", e.Kind, e.PEB, e.Message, e.Cause)
		}
		return fmt.Sprintf("ubi: %s: peb %d: %s", e.Kind, e.PEB, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("ubi: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("ubi: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, ubi.Err(KindFatal)) style matching on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.PEB == -1 && t.Message == "" && t.Cause == nil && t.Kind == e.Kind
}

// Err builds a bare sentinel of the given kind, suitable for errors.Is checks.
func Err(k Kind) *Error { return &Error{Kind: k, PEB: -1} }

// NewError builds a fully-populated error for a specific PEB.
func NewError(k Kind, peb int, msg string, cause error) *Error {
	return &Error{Kind: k, PEB: peb, Message: msg, Cause: cause}
}

// NewErrorf is NewError with a formatted message and no PEB association.
func NewErrorf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, PEB: -1, Message: fmt.Sprintf(format, args...)}
}
