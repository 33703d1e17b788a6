package seedsync

import (
	"errors"
	"fmt"
)

// TransportError describes a failure of the shell transport (C1): a failed
// SSH invocation, SCP upload, or SFTP probe. Cause is the raw, captured
// stderr/before-buffer text; it is never returned to a caller untyped.
type TransportError struct {
	Cause string
	fatal bool
	err   error
}

func (e *TransportError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Cause, e.err)
	}
	return "transport: " + e.Cause
}

func (e *TransportError) Unwrap() error { return e.err }

// Fatal reports whether the operator must intervene: bad hostname,
// incorrect password, or a missing login shell.
func (e *TransportError) Fatal() bool { return e.fatal }

func newTransportError(cause string, fatal bool, err error) *TransportError {
	return &TransportError{Cause: cause, fatal: fatal, err: err}
}

// InstallError describes a failed helper installation (C2): digest check
// or upload failure. Always fatal.
type InstallError struct {
	Cause string
	err   error
}

func (e *InstallError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("install: %s: %v", e.Cause, e.err)
	}
	return "install: " + e.Cause
}

func (e *InstallError) Unwrap() error { return e.err }

// ScanError describes a remote scan failure (C3). Recoverable scan errors
// may be retried later by the caller's scheduler; fatal ones require
// operator action (bad path, corrupt output, exhausted retries before the
// first successful scan).
type ScanError struct {
	Cause       string
	recoverable bool
	err         error
}

func (e *ScanError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("scan: %s: %v", e.Cause, e.err)
	}
	return "scan: " + e.Cause
}

func (e *ScanError) Unwrap() error { return e.err }

// Recoverable reports whether the caller may schedule a retry.
func (e *ScanError) Recoverable() bool { return e.recoverable }

func newScanError(cause string, recoverable bool, err error) *ScanError {
	return &ScanError{Cause: cause, recoverable: recoverable, err: err}
}

// EngineError describes a transfer-engine failure surfaced by C4: an
// access-failed/login-incorrect marker observed in engine output, or three
// consecutive prompt-wait timeouts. The driver self-heals by restarting;
// this error merely reports what happened on the command that surfaced it.
type EngineError struct {
	Cause string
	err   error
}

func (e *EngineError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("engine: %s: %v", e.Cause, e.err)
	}
	return "engine: " + e.Cause
}

func (e *EngineError) Unwrap() error { return e.err }

func newEngineError(cause string, err error) *EngineError {
	return &EngineError{Cause: cause, err: err}
}

// ParseError is raised by C5 once maxConsecutiveStatusErrors is exceeded.
// Fewer consecutive failures are tolerated silently (empty result).
type ParseError struct {
	Cause string
	err   error
}

func (e *ParseError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("parse: %s: %v", e.Cause, e.err)
	}
	return "parse: " + e.Cause
}

func (e *ParseError) Unwrap() error { return e.err }

func newParseError(cause string, err error) *ParseError {
	return &ParseError{Cause: cause, err: err}
}

// Sentinel causes, checked with errors.Is against the classified Cause
// strings is deliberately avoided — callers should use errors.As against
// the typed errors above and inspect Fatal()/Recoverable() instead of
// string-matching messages.
var (
	errShellNotFound = errors.New("login shell not found")
)
