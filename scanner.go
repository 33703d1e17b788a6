package seedsync

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	scanMaxAttempts  = 3
	scanBackoffBase  = 2 * time.Second
	scanBackoffCap   = 30 * time.Second
	systemErrorMark  = "SystemScannerError:"
	glibcErrorMark   = "GLIBC_"
	execFormatMark   = "Exec format error"
)

// transientMarkers are substrings of captured shell output that mark a
// retryable C1 failure during scanning (spec §4.3).
var transientMarkers = []string{"Timed out", "Connection refused", "lost connection", "Timed out after"}

// scanSleep is overridable in tests so backoff delays don't slow them down.
var scanSleep = time.Sleep

// RemoteScanner is C3: it triggers C2 installation on first use, then
// repeatedly runs the helper over C1 and deserializes its output.
type RemoteScanner struct {
	transport *Transport
	installer *helperInstaller

	everSucceeded bool
}

// NewRemoteScanner returns a scanner bound to transport and installer.
func NewRemoteScanner(transport *Transport, installer *helperInstaller) *RemoteScanner {
	return &RemoteScanner{transport: transport, installer: installer}
}

// Scan runs the remote helper against root and returns the decoded file
// tree. See spec §4.3 for the full error-classification table this
// implements.
func (s *RemoteScanner) Scan(ctx context.Context, root string) ([]FileNode, error) {
	if err := s.installer.ensureInstalled(ctx); err != nil {
		return nil, newScanError("helper installation failed", false, err)
	}

	return s.scanWithRetry(ctx, root, true)
}

// scanWithRetry implements the attempt loop. allowVariantRetry permits one
// extra same-call retry after a successful variant switch (spec §4.3's
// "binary-execution failure ... retry once in the same call"); it is false
// for that one extra attempt to prevent unbounded recursion.
func (s *RemoteScanner) scanWithRetry(ctx context.Context, root string, allowVariantRetry bool) ([]FileNode, error) {
	var lastErr error
	lastClass := scanClassifyRecoverable

	for attempt := 1; attempt <= scanMaxAttempts; attempt++ {
		nodes, classified, retry, err := s.attempt(ctx, root, allowVariantRetry)
		if err == nil {
			s.everSucceeded = true
			return nodes, nil
		}
		lastErr = err
		lastClass = classified

		if classified == scanClassifyVariantSwitch {
			return s.scanWithRetry(ctx, root, false)
		}
		if !retry || attempt == scanMaxAttempts {
			break
		}

		delay := min(scanBackoffBase*time.Duration(1<<(attempt-1)), scanBackoffCap)
		scanSleep(delay)
	}

	if !s.everSucceeded {
		return nil, newScanError("scan failed before any successful scan", false, lastErr)
	}
	if lastClass == scanClassifyFatal {
		return nil, newScanError("scan failed", false, lastErr)
	}
	return nil, newScanError("scan failed, attempts exhausted", true, lastErr)
}

type scanClassification int

const (
	scanClassifyFatal scanClassification = iota
	scanClassifyTransient
	scanClassifyVariantSwitch
	scanClassifyRecoverable
)

// attempt runs one helper invocation and classifies the outcome per the
// spec §4.3 table. allowVariantRetry gates whether a binary-execution
// failure triggers C2's variant switch from this call.
func (s *RemoteScanner) attempt(ctx context.Context, root string, allowVariantRetry bool) ([]FileNode, scanClassification, bool, error) {
	command := buildScanCommand(s.installer.remotePath(), root)
	out, err := s.transport.Shell(ctx, command)

	if err != nil {
		var terr *TransportError
		captured := err.Error()
		if errors.As(err, &terr) {
			captured = terr.Cause
		}

		if strings.Contains(captured, systemErrorMark) {
			return nil, scanClassifyFatal, false, newScanError(captured, false, nil)
		}

		if allowVariantRetry && (strings.Contains(captured, glibcErrorMark) || strings.Contains(captured, execFormatMark)) {
			if swErr := s.installer.switchToPortable(ctx); swErr != nil {
				return nil, scanClassifyFatal, false, swErr
			}
			return nil, scanClassifyVariantSwitch, false, errors.New("binary execution failure, switched variant")
		}

		for _, marker := range transientMarkers {
			if strings.Contains(captured, marker) {
				return nil, scanClassifyTransient, true, err
			}
		}

		if !s.everSucceeded {
			return nil, scanClassifyFatal, false, err
		}
		return nil, scanClassifyRecoverable, false, err
	}

	text := string(out)
	if strings.Contains(text, systemErrorMark) {
		return nil, scanClassifyFatal, false, newScanError(text, false, nil)
	}

	if allowVariantRetry && !strings.Contains(text, systemErrorMark) &&
		(strings.Contains(text, glibcErrorMark) || strings.Contains(text, execFormatMark)) {
		if swErr := s.installer.switchToPortable(ctx); swErr != nil {
			return nil, scanClassifyFatal, false, swErr
		}
		return nil, scanClassifyVariantSwitch, false, errors.New("binary execution failure, switched variant")
	}

	nodes, derr := decodeFileNodes(out)
	if derr != nil {
		return nil, scanClassifyFatal, false, derr
	}

	filtered := make([]FileNode, 0, len(nodes))
	for _, n := range nodes {
		if isLftpStatusFile(n.Name) {
			continue
		}
		filtered = append(filtered, n)
	}
	return filtered, 0, false, nil
}
