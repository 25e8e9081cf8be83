// Package failure defines the error kinds shared by the key lifecycle engine.
//
// Kinds are attached to concrete errors with errors.WithType and tested with
// errors.Is, so callers branch on the kind rather than on a Go type.
package failure

import (
	"github.com/juju/errors"
)

const (
	PanelUnavailable     = errors.ConstError("panel unavailable")
	HostTimeout          = errors.ConstError("host timeout")
	AuthFailed           = errors.ConstError("panel auth failed")
	InboundMissing       = errors.ConstError("inbound missing")
	NotFound             = errors.ConstError("not found")
	Validation           = errors.ConstError("validation")
	ConfigurationMissing = errors.ConstError("configuration missing")
	DBLocked             = errors.ConstError("database locked")
	CommitFailed         = errors.ConstError("commit failed")
	TokenInvalid         = errors.ConstError("token invalid")
	KeyDeleted           = errors.ConstError("key deleted")
	IntegrityCheckFailed = errors.ConstError("integrity check failed")
)

// New returns a fresh error of the given kind.
func New(kind errors.ConstError, format string, args ...any) error {
	return errors.WithType(errors.Errorf(format, args...), kind)
}

// Wrap annotates err and tags the result with kind. A nil err stays nil.
func Wrap(err error, kind errors.ConstError, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.WithType(errors.Annotatef(err, format, args...), kind)
}

// Retriable reports whether err may succeed on a later attempt.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range []errors.ConstError{PanelUnavailable, HostTimeout, DBLocked, CommitFailed} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// Terminal reports whether err must not be retried with the same input.
func Terminal(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range []errors.ConstError{Validation, ConfigurationMissing, AuthFailed, InboundMissing, TokenInvalid, KeyDeleted} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// Kind returns the first matching kind name, or "unknown".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, kind := range []errors.ConstError{
		PanelUnavailable, HostTimeout, AuthFailed, InboundMissing, NotFound, Validation,
		ConfigurationMissing, DBLocked, CommitFailed, TokenInvalid, KeyDeleted, IntegrityCheckFailed,
	} {
		if errors.Is(err, kind) {
			return string(kind)
		}
	}
	return "unknown"
}
