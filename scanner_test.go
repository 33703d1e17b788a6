package seedsync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// sequencedExecHandler returns a new sshHandler that serves outputs[n] (and
// exit 0) on the nth accepted connection, looping back to the last entry
// once exhausted. Each Transport.Shell call opens its own SSH connection,
// so this lets a single mocked dialer stand in for a whole multi-round-trip
// conversation (diagnostics, then md5sum, then the scan itself).
func sequencedExecHandler(outputs ...string) sshHandler {
	var n int64
	return func(ch ssh.Channel, in <-chan *ssh.Request, t *testing.T) {
		i := atomic.AddInt64(&n, 1) - 1
		out := outputs[len(outputs)-1]
		if int(i) < len(outputs) {
			out = outputs[i]
		}
		compositeHandler(execRequestHandler(out, 0))(ch, in, t)
	}
}

func scannerFixture(t *testing.T, content string, outputs ...string) *RemoteScanner {
	t.Helper()
	local, digest := helperFixture(t, content)
	sshDialHandlerMock(t, sequencedExecHandler(outputs...))

	transport := NewTransport("remote", 22, &ssh.ClientConfig{User: "u", HostKeyCallback: ssh.InsecureIgnoreHostKey()}, nil)
	installer := newHelperInstaller(transport, nil, false, local, "/remote/helper", digest, "", "", "")
	return NewRemoteScanner(transport, installer)
}

// scanResponse pairs canned exec output with an exit status, since a
// transient or binary-execution failure from the remote helper always
// arrives as a non-zero exit (spec.md §6's "non-zero on any failure"),
// never as a zero-exit stdout string.
type scanResponse struct {
	out    string
	status uint32
}

// sequencedStatusExecHandler is sequencedExecHandler's sibling for
// conversations that need a mix of successful and failed exec exits.
func sequencedStatusExecHandler(responses ...scanResponse) sshHandler {
	var n int64
	return func(ch ssh.Channel, in <-chan *ssh.Request, t *testing.T) {
		i := atomic.AddInt64(&n, 1) - 1
		r := responses[len(responses)-1]
		if int(i) < len(responses) {
			r = responses[i]
		}
		compositeHandler(execRequestHandler(r.out, r.status))(ch, in, t)
	}
}

func TestScanCleanInstallEmptyDirectory(t *testing.T) {
	_, digest := helperFixture(t, "")
	empty := string(encodeFileNodes(nil))

	scanner := scannerFixture(t, "",
		"__shell_ok__\n",     // detect_shell echo
		"/bin/bash\n",        // which bash
		"x86_64\n",           // uname -m
		"\n",                 // os-release (best-effort, empty is fine)
		"\n",                 // ldd --version
		digest+"\n",          // md5sum, matches local digest: skip upload
		empty,                // the scan itself
	)

	nodes, err := scanner.Scan(context.Background(), "/srv/data")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("expected an empty tree, got %v", nodes)
	}
}

func TestScanFatalBeforeFirstSuccess(t *testing.T) {
	scanSleep = func(time.Duration) {}
	t.Cleanup(func() { scanSleep = time.Sleep })

	_, digest := helperFixture(t, "")
	scanner := scannerFixture(t, "",
		"__shell_ok__\n",
		"/bin/bash\n",
		"x86_64\n",
		"\n",
		"\n",
		digest+"\n",
		"SystemScannerError: permission denied",
	)

	_, err := scanner.Scan(context.Background(), "/no/such/path")
	if err == nil {
		t.Fatal("expected a fatal scan error")
	}
	var serr *ScanError
	if ok := asScanError(err, &serr); !ok {
		t.Fatalf("expected *ScanError, got %T", err)
	}
	if serr.Recoverable() {
		t.Error("a fatal pre-first-success failure must not be recoverable")
	}
}

func asScanError(err error, target **ScanError) bool {
	se, ok := err.(*ScanError)
	if !ok {
		return false
	}
	*target = se
	return true
}

func TestScanRetriesTransientErrorsBeforeFirstSuccess(t *testing.T) {
	scanSleep = func(time.Duration) {}
	t.Cleanup(func() { scanSleep = time.Sleep })
	var sleeps int
	scanSleep = func(time.Duration) { sleeps++ }

	local, digest := helperFixture(t, "")
	empty := string(encodeFileNodes(nil))

	responses := []scanResponse{
		{"__shell_ok__\n", 0}, // detect_shell echo
		{"/bin/bash\n", 0},    // which bash
		{"x86_64\n", 0},       // uname -m
		{"\n", 0},             // os-release
		{"\n", 0},             // ldd --version
		{digest + "\n", 0},    // md5sum, matches: skip upload
		{"Timed out after 180s", 1}, // scan attempt 1: transient
		{"Timed out after 180s", 1}, // scan attempt 2: transient
		{empty, 0},                  // scan attempt 3: succeeds
	}
	sshDialHandlerMock(t, sequencedStatusExecHandler(responses...))

	transport := NewTransport("remote", 22, &ssh.ClientConfig{User: "u", HostKeyCallback: ssh.InsecureIgnoreHostKey()}, nil)
	installer := newHelperInstaller(transport, nil, false, local, "/remote/helper", digest, "", "", "")
	scanner := NewRemoteScanner(transport, installer)

	nodes, err := scanner.Scan(context.Background(), "/srv/data")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("expected an empty tree, got %v", nodes)
	}
	if sleeps != 2 {
		t.Fatalf("expected exactly two backoffs before the third attempt succeeded, got %d", sleeps)
	}
}

func TestScanBinaryExecutionFallbackSwitchesToPortable(t *testing.T) {
	nativeLocal, nativeDigest := helperFixture(t, "native-helper")
	portableLocal, portableDigest := helperFixture(t, "portable-helper")
	empty := string(encodeFileNodes(nil))

	responses := []scanResponse{
		{"__shell_ok__\n", 0},            // detect_shell echo
		{"/bin/bash\n", 0},               // which bash
		{"x86_64\n", 0},                  // uname -m (native diagnostics)
		{"\n", 0},                        // os-release
		{"\n", 0},                        // ldd --version
		{nativeDigest + "\n", 0},         // md5sum native: matches, skip upload
		{"GLIBC_2.31' not found", 1},     // first scan attempt: binary execution failure
		{"Python 3.11.4\n", 0},           // portable runtime probe
		{"x86_64\n", 0},                  // uname -m (portable diagnostics)
		{"\n", 0},                        // os-release
		{"\n", 0},                        // ldd --version
		{portableDigest + "\n", 0},       // md5sum portable: matches, skip upload
		{empty, 0},                       // retried scan, now on the portable helper
		{empty, 0},                       // a later Scan() call: portable already installed
	}
	sshDialHandlerMock(t, sequencedStatusExecHandler(responses...))

	transport := NewTransport("remote", 22, &ssh.ClientConfig{User: "u", HostKeyCallback: ssh.InsecureIgnoreHostKey()}, nil)
	installer := newHelperInstaller(transport, nil, false,
		nativeLocal, "/remote/native-helper", nativeDigest,
		portableLocal, "/remote/portable-helper", portableDigest)
	scanner := NewRemoteScanner(transport, installer)

	nodes, err := scanner.Scan(context.Background(), "/srv/data")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("expected an empty tree after the portable fallback, got %v", nodes)
	}
	if installer.activeVariant() != VariantPortable {
		t.Fatalf("expected the scanner to have switched to the portable variant, got %v", installer.activeVariant())
	}

	if _, err := scanner.Scan(context.Background(), "/srv/data"); err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if got := installer.remotePath(); got != "/remote/portable-helper" {
		t.Errorf("expected subsequent scans to keep using the portable helper, got %q", got)
	}
}

func TestScanFiltersLeakedStatusSidecar(t *testing.T) {
	_, digest := helperFixture(t, "")
	leaked := string(encodeFileNodes([]FileNode{
		{Name: "movie.mkv", Size: 10},
		{Name: "movie.mkv.lftp-pget-status", Size: 2},
	}))

	scanner := scannerFixture(t, "",
		"__shell_ok__\n", "/bin/bash\n", "x86_64\n", "\n", "\n",
		digest+"\n",
		leaked,
	)

	nodes, err := scanner.Scan(context.Background(), "/srv/data")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Name != "movie.mkv" {
		t.Fatalf("expected the sidecar filtered out, got %v", nodes)
	}
}
