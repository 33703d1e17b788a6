package seedsync

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	expect "github.com/google/goexpect"
)

// engineState is the C4 driver's lifecycle state (spec §4.4's diagram).
type engineState int

const (
	engineInit engineState = iota
	engineReady
	engineRestarting
	engineDead
)

const (
	enginePTYRows           = 24
	enginePTYCols           = 10000
	engineCommandTimeout    = 10 * time.Second
	engineSpawnTimeout      = 30 * time.Second
	engineMaxConsecTimeouts = 3
)

// postHocErrorMarkers are scanned for in every command's before-buffer;
// a hit becomes a pending error raised on the following command (spec
// §4.4's "Command cycle").
var postHocErrorMarkers = []string{
	"pget: Access failed",
	"pget-chunk: Access failed",
	"mirror: Access failed",
	"Login failed: Login incorrect",
}

// engineSpawnFunc abstracts goexpect's process spawn so tests can
// substitute a fake PTY-driven child, the same overridable-var pattern
// used for sshDial in transport.go.
var engineSpawnFunc = func(args []string, timeout time.Duration, opts ...expect.Option) (expect.Expecter, <-chan error, error) {
	return expect.SpawnWithArgs(args, timeout, opts...)
}

// TransferEngine is C4: a single lftp child process driven through a PTY.
type TransferEngine struct {
	mu sync.Mutex

	spawnArgs   []string
	promptRegex *regexp.Regexp
	logger      *slog.Logger
	transcript  *Output

	exp     expect.Expecter
	errCh   <-chan error
	state   engineState
	timeouts int

	settings *settingsCache
	status   statusParser

	pendingError string
}

// NewTransferEngine returns a driver for command (e.g. an lftp invocation),
// matching the engine's shell prompt against promptRegex (spec §4.4: "a
// known regex containing user and host").
func NewTransferEngine(command []string, promptRegex *regexp.Regexp, logger *slog.Logger) *TransferEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransferEngine{
		spawnArgs:   command,
		promptRegex: promptRegex,
		logger:      logger,
		transcript:  NewOutput("engine"),
		settings:    newSettingsCache(),
		state:       engineInit,
	}
}

// Start spawns the child process and waits for the first prompt.
func (e *TransferEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spawn()
}

// spawn must be called with mu held.
func (e *TransferEngine) spawn() error {
	exp, errCh, err := engineSpawnFunc(e.spawnArgs, engineSpawnTimeout,
		expect.SetWindowSize(enginePTYRows, enginePTYCols),
		expect.Verbose(true),
		expect.VerboseWriter(e.transcript),
	)
	if err != nil {
		e.state = engineDead
		return newEngineError("spawn engine process", err)
	}

	if _, _, err := exp.Expect(e.promptRegex, engineSpawnTimeout); err != nil {
		exp.Close()
		e.state = engineDead
		return newEngineError("wait for initial prompt", err)
	}

	e.exp = exp
	e.errCh = errCh
	e.state = engineReady
	e.timeouts = 0
	return nil
}

// command runs a single line through the command cycle from spec §4.4:
// send, expect the prompt, trim, scan for post-hoc error markers, raise
// any previously pending error.
func (e *TransferEngine) command(line string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == engineDead {
		return "", newEngineError("engine is dead", nil)
	}

	pending := e.pendingError
	e.pendingError = ""

	before, err := e.sendAndExpect(line)
	if err != nil {
		e.timeouts++
		if e.timeouts >= engineMaxConsecTimeouts {
			if restartErr := e.restart(); restartErr != nil {
				return "", restartErr
			}
		} else {
			e.state = engineReady
		}
		if pending != "" {
			return "", newEngineError(pending, nil)
		}
		return "", newEngineError("command timed out: "+line, err)
	}
	e.timeouts = 0

	for _, marker := range postHocErrorMarkers {
		if strings.Contains(before, marker) {
			e.pendingError = marker
			// consume the next prompt before returning, per spec
			e.exp.Expect(e.promptRegex, engineCommandTimeout)
			break
		}
	}

	if pending != "" {
		return before, newEngineError(pending, nil)
	}
	return before, nil
}

// sendAndExpect must be called with mu held; it performs one send+expect
// round trip against the live PTY session.
func (e *TransferEngine) sendAndExpect(line string) (string, error) {
	if err := e.exp.Send(line + "\n"); err != nil {
		return "", err
	}
	before, _, err := e.exp.Expect(e.promptRegex, engineCommandTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(before), nil
}

// restart must be called with mu held. It force-closes the dead child,
// respawns, and replays every cached setting in original insertion order
// before accepting further commands (spec §4.4's restart transition).
func (e *TransferEngine) restart() error {
	e.state = engineRestarting
	if e.exp != nil {
		e.exp.Close()
	}

	if err := e.spawn(); err != nil {
		return err
	}

	for _, s := range e.settings.all() {
		if _, err := e.sendAndExpect(fmt.Sprintf("set %s %s", s.Key, s.Value)); err != nil {
			e.state = engineDead
			return newEngineError("replay setting "+s.Key+" after restart", err)
		}
	}
	e.state = engineReady
	return nil
}

// Set runs `set key value`, recording it in the settings cache so it
// survives an engine restart.
func (e *TransferEngine) Set(key, value string) error {
	e.settings.set(key, value)
	_, err := e.command(fmt.Sprintf("set %s %s", key, value))
	return err
}

// Queue assembles and issues a queue command for name, per spec §4.4:
// pget for files, mirror for directories; -o is only emitted for files.
func (e *TransferEngine) Queue(remoteRoot, localRoot, name string, isDir bool) error {
	verb := "pget"
	if isDir {
		verb = "mirror"
	}
	remotePath := escapeQueueArg(remotePathJoin(remoteRoot, name))
	var cmd string
	if isDir {
		cmd = fmt.Sprintf(`queue ' %s -c "%s" '`, verb, remotePath)
	} else {
		localDir := escapeQueueArg(strings.TrimRight(localRoot, "/") + "/")
		cmd = fmt.Sprintf(`queue ' %s -c "%s" -o "%s" '`, verb, remotePath, localDir)
	}
	_, err := e.command(cmd)
	return err
}

// Kill finds name via Status and sends the appropriate kill/dequeue
// command, per spec §4.4's best-effort id-race contract.
func (e *TransferEngine) Kill(name string) (bool, error) {
	statusOut, err := e.command("jobs -v")
	if err != nil {
		return false, err
	}
	statuses, perr := e.status.parse(statusOut)
	if perr != nil {
		return false, perr
	}

	for _, job := range statuses {
		if job.Name != name {
			continue
		}
		switch job.State {
		case JobRunning:
			_, err := e.command(fmt.Sprintf("kill %s", job.ID))
			return err == nil, err
		case JobQueued:
			_, err := e.command(fmt.Sprintf("queue --delete %s", job.ID))
			return err == nil, err
		}
	}
	return false, nil
}

// Status runs `jobs -v` and parses the result via C5.
func (e *TransferEngine) Status() ([]JobStatus, error) {
	out, err := e.command("jobs -v")
	if err != nil {
		return nil, err
	}
	return e.status.parse(out)
}

// Exit performs the shutdown sequence from spec §4.4 and force-closes the
// process unconditionally afterward.
func (e *TransferEngine) Exit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == engineDead {
		return nil
	}

	e.sendAndExpect("queue -d *")
	e.sendAndExpect("kill all")
	if e.exp != nil {
		e.exp.Send("exit\n")
		e.exp.Close()
	}
	e.state = engineDead
	return nil
}
