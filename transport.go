package seedsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	sshWallClockTimeout = 180 * time.Second
	sftpProbeTimeout    = 30 * time.Second
)

// shellCandidates are the login shells detectShell falls back to probing
// over SFTP when the configured login shell itself is broken.
var shellCandidates = []string{"/bin/bash", "/usr/bin/bash", "/bin/sh", "/usr/bin/sh"}

// just to be able to override dialing in tests, same pattern as the
// overridable sshDial var the job pool used to swap in a fake server.
var sshDial = ssh.Dial

// Transport is the Shell Transport (C1): a single SSH command channel plus
// an SFTP probe channel onto one remote host. One Transport instance is
// meant to be owned exclusively by the component driving it (the Remote
// Scanner, during a scan) — see spec §5.
type Transport struct {
	mu sync.Mutex

	addr   string
	config *ssh.ClientConfig
	logger *slog.Logger

	client *sftp.Client // lazily dialed, reused across sftp_probe/copy calls

	shellDetected bool
	detectedShell string
}

// NewTransport returns a Transport that will dial host:port using cfg.
// cfg is handed to the dial unchanged, so a zero cfg.Timeout sets no connect
// timeout of its own; the overall per-shell-call wall clock, dial included,
// is always capped at 180s regardless of cfg.Timeout.
func NewTransport(host string, port int, cfg *ssh.ClientConfig, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{addr: net.JoinHostPort(host, fmt.Sprintf("%d", port)), config: cfg, logger: logger}
}

// Shell runs command as a single-shot SSH connection and returns raw stdout
// bytes on a zero exit status. On failure it returns a classified
// *TransportError; the raw stderr/before-buffer text is preserved in Cause.
func (t *Transport) Shell(ctx context.Context, command string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sshWallClockTimeout)
	defer cancel()

	quoted := quoteShellCommand(command)

	client, err := t.dialSSH(ctx)
	if err != nil {
		return nil, t.classifyDialError(err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, newTransportError("open session", false, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	type result struct{ err error }
	done := make(chan result, 1)
	go func() { done <- result{session.Run(quoted)} }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, newTransportError(fmt.Sprintf("Timed out after %.0fs", sshWallClockTimeout.Seconds()), false, ctx.Err())
	case res := <-done:
		if res.err == nil {
			return stdout.Bytes(), nil
		}
		captured := strings.TrimSpace(stderr.String())
		if captured == "" {
			captured = strings.TrimSpace(stdout.String())
		}
		return nil, t.classifyExecError(captured, res.err)
	}
}

// dialSSH opens a fresh SSH client connection bounded by ctx.
func (t *Transport) dialSSH(ctx context.Context) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := sshDial("tcp", t.addr, t.config)
		ch <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.client, res.err
	}
}

// classifyDialError labels a failed dial per spec §4.1: bad hostname,
// connection refused, incorrect password, or a raw message.
func (t *Transport) classifyDialError(err error) *TransportError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Could not resolve hostname") || isDNSError(err):
		return newTransportError("Could not resolve hostname: "+t.addr, true, err)
	case strings.Contains(msg, "Connection refused") || strings.Contains(msg, "lost connection") || isConnRefused(err):
		return newTransportError("Connection refused", false, err)
	case strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain"):
		return newTransportError("Incorrect password", true, err)
	default:
		return newTransportError(msg, false, err)
	}
}

func isDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// classifyExecError labels a failed command execution per spec §4.1: a
// non-zero exit plus login-shell-not-found detection, or the engine's
// timeout/connection-refused markers echoed into captured output.
func (t *Transport) classifyExecError(captured string, err error) *TransportError {
	switch {
	case strings.Contains(captured, "Timed out") || strings.Contains(captured, "Timed out after"):
		return newTransportError(captured, false, err)
	case strings.Contains(captured, "Connection refused") || strings.Contains(captured, "lost connection"):
		return newTransportError(captured, false, err)
	case strings.Contains(captured, "No such file or directory"):
		for _, shell := range shellCandidates {
			if strings.Contains(captured, shell) {
				return newTransportError(captured, true, err)
			}
		}
		return newTransportError(captured, false, err)
	default:
		return newTransportError(captured, false, err)
	}
}

// Copy uploads localPath to remotePath via SFTP, overwriting any existing
// file. It returns only on success.
func (t *Transport) Copy(ctx context.Context, localPath, remotePath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	client, err := t.ensureSFTP(ctx)
	if err != nil {
		return newTransportError("open sftp session", false, err)
	}
	if err := uploadFile(client, localPath, remotePath); err != nil {
		return newTransportError("copy to "+remotePath, false, err)
	}
	return nil
}

// SFTPProbe succeeds iff remotePath exists and is readable, using the SFTP
// subsystem directly — this is used when the login shell itself may be
// broken and a shell() round-trip is impossible.
func (t *Transport) SFTPProbe(ctx context.Context, remotePath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sftpProbeTimeout)
	defer cancel()

	client, err := t.ensureSFTP(ctx)
	if err != nil {
		return newTransportError("open sftp session", false, err)
	}
	if err := probeFile(ctx, client, remotePath); err != nil {
		return newTransportError("probe "+remotePath, false, err)
	}
	return nil
}

// ensureSFTP lazily dials and caches the SFTP client for the Transport's
// lifetime, redialing if the cached client has gone stale.
func (t *Transport) ensureSFTP(ctx context.Context) (*sftp.Client, error) {
	if t.client != nil && sftpIsAlive(t.client) {
		return t.client, nil
	}
	sshClient, err := t.dialSSH(ctx)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, err
	}
	t.client = client
	return client, nil
}

// DetectShell runs a trivial echo; on success it queries which bash||which
// sh and caches the result. If the echo fails with a shell-not-found
// pattern, it falls back to SFTPProbe over shellCandidates and, on at least
// one hit, returns an actionable error naming the discovered candidates.
// A successful result is cached for the Transport's lifetime; a failure is
// not cached, so a later call runs the echo (and any SFTP probing) again.
func (t *Transport) DetectShell(ctx context.Context) (string, error) {
	if t.shellDetected {
		return t.detectedShell, nil
	}

	out, err := t.Shell(ctx, "echo __shell_ok__")
	if err == nil && strings.Contains(string(out), "__shell_ok__") {
		shell := "/bin/sh"
		if which, err := t.Shell(ctx, "which bash || which sh"); err == nil {
			if s := strings.TrimSpace(string(which)); s != "" {
				shell = s
			}
		}
		t.detectedShell = shell
		t.shellDetected = true
		return shell, nil
	}

	var terr *TransportError
	if !errors.As(err, &terr) || !strings.Contains(terr.Cause, "No such file or directory") {
		return "", err
	}

	t.logger.Warn("login shell not found, probing candidates via sftp")
	var found []string
	for _, candidate := range shellCandidates {
		if perr := t.SFTPProbe(ctx, candidate); perr == nil {
			found = append(found, candidate)
		}
	}
	if len(found) == 0 {
		return "", newTransportError(
			"remote user's login shell not found and no common shells could be detected; "+
				"fix by running on the remote server: sudo chsh -s /bin/sh $USER",
			true, errShellNotFound)
	}
	return "", newTransportError(
		fmt.Sprintf("remote user's login shell not found. available shells: %s. fix with: sudo chsh -s %s $USER",
			strings.Join(found, ", "), found[0]),
		true, errShellNotFound)
}
