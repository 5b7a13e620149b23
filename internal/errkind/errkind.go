// Package errkind defines the stable error taxonomy shared by every worker.
// Each kind carries a fixed string name used both as a zerolog field and as a
// metrics label, so a failure looks the same in logs and in counters.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the stable name of an error class.
type Kind string

const (
	InvalidSignal        Kind = "InvalidSignal"
	NamespaceViolation   Kind = "NamespaceViolation"
	PolicyViolation      Kind = "PolicyViolation"
	InvalidTTL           Kind = "InvalidTTL"
	TransientUnavailable Kind = "TransientUnavailable"
	Timeout              Kind = "Timeout"
	SimulatedFailure     Kind = "SimulatedFailure"
	ChaosTrip            Kind = "ChaosTrip"
	DuplicateSignal      Kind = "DuplicateSignal"
	RateLimited          Kind = "RateLimited"
	KycDenied            Kind = "KycDenied"
	JurisdictionDenied   Kind = "JurisdictionDenied"
	DrawdownBreach       Kind = "DrawdownBreach"
	ConfigDrift          Kind = "ConfigDrift"
	BackpressureDrop     Kind = "BackpressureDrop"
	Fatal                Kind = "Fatal"
)

// Unknown is reported by KindOf for errors that carry no kind.
const Unknown Kind = "Unknown"

// Error attaches a Kind and the originating module/operation to an error.
type Error struct {
	Kind   Kind
	Module string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil && e.Op == "":
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on a bare Kind sentinel created by New.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New returns an error of the given kind with a human reason.
func New(kind Kind, reason string) error {
	return &Error{Kind: kind, Err: errors.New(reason)}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap annotates err with a kind and operation. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient kinds are retried with backoff by the runtime; everything else is
// either terminal for the signal or terminal for the worker.
func (k Kind) Transient() bool {
	switch k {
	case TransientUnavailable, Timeout, BackpressureDrop:
		return true
	}
	return false
}

// TerminalForSignal kinds annotate and drop the offending signal without
// retry; the worker keeps running.
func (k Kind) TerminalForSignal() bool {
	switch k {
	case InvalidSignal, DuplicateSignal, PolicyViolation, KycDenied,
		JurisdictionDenied, NamespaceViolation, InvalidTTL:
		return true
	}
	return false
}

// FatalForWorker kinds exit the worker and hand it to the restart queue.
func (k Kind) FatalForWorker() bool {
	return k == Fatal
}
