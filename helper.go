package seedsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// HelperVariant is which remote scanner helper binary is currently active
// for a session (spec §3). Once PORTABLE is chosen it is sticky: a later
// scan never falls back to NATIVE again for that session.
type HelperVariant int

const (
	VariantNative HelperVariant = iota
	VariantPortable
)

func (v HelperVariant) String() string {
	if v == VariantPortable {
		return "PORTABLE"
	}
	return "NATIVE"
}

const (
	minSupportedArch  = "x86_64"
	minGlibcMajor     = 2
	minGlibcMinor     = 31
	portableRuntimeID = "python3" // probed with `python3 --version`
)

// helperInstaller owns C2: picking NATIVE vs PORTABLE, uploading whichever
// variant is stale, and flipping to PORTABLE for the rest of the session on
// a binary-execution failure reported by C3.
type helperInstaller struct {
	transport *Transport
	logger    *slog.Logger

	nativeLocalPath   string
	nativeRemotePath  string
	nativeLocalDigest string

	portableLocalPath   string
	portableRemotePath  string
	portableLocalDigest string

	variant   HelperVariant
	installed map[HelperVariant]bool
}

// newHelperInstaller returns an installer. pinPortable forces PORTABLE from
// construction rather than starting from NATIVE, per spec §4.2 ("the caller
// may pin PORTABLE at construction time").
func newHelperInstaller(t *Transport, logger *slog.Logger, pinPortable bool,
	nativeLocalPath, nativeRemotePath, nativeDigest string,
	portableLocalPath, portableRemotePath, portableDigest string) *helperInstaller {
	if logger == nil {
		logger = slog.Default()
	}
	v := VariantNative
	if pinPortable {
		v = VariantPortable
	}
	return &helperInstaller{
		transport:           t,
		logger:              logger,
		nativeLocalPath:     nativeLocalPath,
		nativeRemotePath:    nativeRemotePath,
		nativeLocalDigest:   nativeDigest,
		portableLocalPath:   portableLocalPath,
		portableRemotePath:  portableRemotePath,
		portableLocalDigest: portableDigest,
		variant:             v,
		installed:           make(map[HelperVariant]bool),
	}
}

// activeVariant reports which helper is currently in effect.
func (h *helperInstaller) activeVariant() HelperVariant { return h.variant }

// remotePath returns the remote helper path for the active variant.
func (h *helperInstaller) remotePath() string {
	if h.variant == VariantPortable {
		return h.portableRemotePath
	}
	return h.nativeRemotePath
}

// ensureInstalled runs the installation protocol from spec §4.2 steps
// (a)-(d) for the active variant, if it has not already run this session.
// Any failure is wrapped as a fatal *InstallError.
func (h *helperInstaller) ensureInstalled(ctx context.Context) error {
	if h.installed[h.variant] {
		return nil
	}

	if _, err := h.transport.DetectShell(ctx); err != nil {
		return &InstallError{Cause: "detect_shell", err: err}
	}

	h.logDiagnostics(ctx)

	local, remote := h.nativeLocalPath, h.nativeRemotePath
	localDigest := h.nativeLocalDigest
	if h.variant == VariantPortable {
		local, remote = h.portableLocalPath, h.portableRemotePath
		localDigest = h.portableLocalDigest
	}

	remoteDigestHex, err := remoteDigest(ctx, h.transport, remote)
	if err != nil {
		return &InstallError{Cause: "md5sum " + remote, err: err}
	}

	if remoteDigestHex == localDigest {
		h.logger.Debug("helper up to date, skipping upload", "variant", h.variant, "digest", localDigest)
		h.installed[h.variant] = true
		return nil
	}

	if err := h.transport.Copy(ctx, local, remote); err != nil {
		return &InstallError{Cause: "upload " + remote, err: err}
	}
	h.installed[h.variant] = true
	return nil
}

// logDiagnostics runs the uname/os-release/runtime probe from spec §4.2
// step (b) and logs warnings for unsupported architectures or old glibc.
// Probe failures themselves are non-fatal: the values are diagnostic only.
func (h *helperInstaller) logDiagnostics(ctx context.Context) {
	arch, err := h.transport.Shell(ctx, "uname -m")
	if err != nil {
		h.logger.Warn("diagnostics: uname -m failed", "error", err)
	} else {
		archStr := strings.TrimSpace(string(arch))
		h.logger.Info("remote architecture", "arch", archStr)
		if archStr != minSupportedArch {
			h.logger.Warn("remote architecture is not x86_64, native helper may not run", "arch", archStr)
		}
	}

	osRelease, err := h.transport.Shell(ctx, "cat /etc/os-release 2>/dev/null | head -n1 || true")
	if err == nil {
		h.logger.Info("remote os release", "line", strings.TrimSpace(string(osRelease)))
	}

	glibc, err := h.transport.Shell(ctx, "ldd --version 2>&1 | head -n1 || true")
	if err != nil {
		h.logger.Warn("diagnostics: glibc version probe failed", "error", err)
		return
	}
	major, minor, ok := parseGlibcVersion(string(glibc))
	if !ok {
		return
	}
	h.logger.Info("remote glibc version", "major", major, "minor", minor)
	if major < minGlibcMajor || (major == minGlibcMajor && minor < minGlibcMinor) {
		h.logger.Warn("remote glibc older than minimum supported", "found", fmt.Sprintf("%d.%d", major, minor),
			"minimum", fmt.Sprintf("%d.%d", minGlibcMajor, minGlibcMinor))
	}
}

// parseGlibcVersion extracts "M.N" from a line like "ldd (GNU libc) 2.31".
func parseGlibcVersion(line string) (major, minor int, ok bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, 0, false
	}
	last := fields[len(fields)-1]
	dot := strings.IndexByte(last, '.')
	if dot < 0 {
		return 0, 0, false
	}
	majorStr, minorStr := last[:dot], last[dot+1:]
	if end := strings.IndexByte(minorStr, '.'); end >= 0 {
		minorStr = minorStr[:end]
	}
	if _, err := fmt.Sscanf(majorStr, "%d", &major); err != nil {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(minorStr, "%d", &minor); err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// switchToPortable runs the variant-switch protocol from spec §4.2: probe
// the portable runtime, install the portable helper, and flip the active
// variant. It is a no-op if already on PORTABLE.
func (h *helperInstaller) switchToPortable(ctx context.Context) error {
	if h.variant == VariantPortable {
		return nil
	}

	if _, err := h.transport.Shell(ctx, portableRuntimeID+" --version"); err != nil {
		return &InstallError{Cause: "portable runtime probe (" + portableRuntimeID + ")", err: err}
	}

	h.variant = VariantPortable
	return h.ensureInstalled(ctx)
}
