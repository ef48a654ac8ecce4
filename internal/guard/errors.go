// Package guard defines the write-path error taxonomy and the invariant
// checks shared by the store, the materializer and the curation gate.
package guard

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is. The typed errors below unwrap to these.
var (
	ErrLicenseViolation     = errors.New("license violation")
	ErrMissingEvidence      = errors.New("missing evidence")
	ErrIdentityViolation    = errors.New("identity violation")
	ErrStaleMaterialization = errors.New("stale materialization")

	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
)

// LicenseViolation is returned when evidence carries a license that is not
// in the registry or is not commercial-safe. Never retried.
type LicenseViolation struct {
	License string
	Reason  string
}

func (e *LicenseViolation) Error() string {
	if e.License == "" {
		return fmt.Sprintf("license violation: %s", e.Reason)
	}
	return fmt.Sprintf("license violation: %q %s", e.License, e.Reason)
}

func (e *LicenseViolation) Unwrap() error { return ErrLicenseViolation }

// MissingReason tells the caller what kind of evidence is missing.
type MissingReason string

const (
	// NoEvidence means no evidence link survived in the transaction.
	NoEvidence MissingReason = "no_evidence"
	// ContextualOnly means every linked evidence record is contextual tier;
	// at least one higher-trust record must be added.
	ContextualOnly MissingReason = "contextual_only"
	// UnknownEvidence means a supplied evidence id does not exist.
	UnknownEvidence MissingReason = "unknown_evidence"
	// LastQualifying means a detach would leave no (qualifying) evidence.
	LastQualifying MissingReason = "last_qualifying"
)

// MissingEvidence rejects an assertion write that lacks sufficient evidence.
type MissingEvidence struct {
	Assertion string
	Reason    MissingReason
	Detail    string
}

func (e *MissingEvidence) Error() string {
	var msg string
	switch e.Reason {
	case ContextualOnly:
		msg = "all evidence is contextual tier; add at least one primary or secondary source"
	case UnknownEvidence:
		msg = "evidence does not exist"
	case LastQualifying:
		msg = "removing this evidence would leave the assertion without qualifying evidence"
	default:
		msg = "assertion requires at least one evidence record"
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return fmt.Sprintf("missing evidence for %s: %s", e.Assertion, msg)
}

func (e *MissingEvidence) Unwrap() error { return ErrMissingEvidence }

// IdentityViolation signals a contract violation around entity ownership:
// cross-issuer references, or a promotion without a human actor.
type IdentityViolation struct {
	Detail string
}

func (e *IdentityViolation) Error() string {
	return "identity violation: " + e.Detail
}

func (e *IdentityViolation) Unwrap() error { return ErrIdentityViolation }

// StaleMaterialization is returned when the materialization lock for a key
// could not be acquired within the configured wait. Retryable.
type StaleMaterialization struct {
	Key    string
	Waited time.Duration
}

func (e *StaleMaterialization) Error() string {
	return fmt.Sprintf("materialization of %s is held by another writer (waited %s)", e.Key, e.Waited)
}

func (e *StaleMaterialization) Unwrap() error { return ErrStaleMaterialization }

// IsRetryable reports whether err may succeed if the same call is repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleMaterialization)
}

// Invalid wraps ErrInvalidInput with a formatted message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with the kind and id that were looked up.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Identity builds an IdentityViolation.
func Identity(format string, args ...any) error {
	return &IdentityViolation{Detail: fmt.Sprintf(format, args...)}
}
