package seedsync

import (
	"regexp"
	"strconv"
	"strings"
)

// JobType is the transfer verb a job was queued with.
type JobType int

const (
	JobPGet JobType = iota
	JobMirror
)

// JobState is whether a job is actively transferring or waiting its turn.
type JobState int

const (
	JobRunning JobState = iota
	JobQueued
)

// JobFlags is a bitmask of auxiliary job conditions, modelled on the
// bitmask the engine's own job-pool concept used for task kinds.
type JobFlags uint8

const (
	// FlagInitializing marks a job still in "Getting file list", before
	// chunk or summary progress is available.
	FlagInitializing JobFlags = 1 << iota
)

func (f JobFlags) Has(flag JobFlags) bool { return f&flag != 0 }
func (f *JobFlags) Set(flag JobFlags)     { *f |= flag }
func (f *JobFlags) Unset(flag JobFlags)   { *f &^= flag }

// JobStatus is one entry parsed from the engine's `jobs -v` output (spec
// §4.5). Speed, ETA and PercentComplete are optional: HasSpeed, HasETA and
// HasPercent report whether each was present in this snapshot, so a zero
// value with its flag set is a real zero.
type JobStatus struct {
	ID               string
	Name             string
	Type             JobType
	State            JobState
	Flags            JobFlags
	TotalSize        int64
	TransferredSize  int64
	Speed            string
	ETA              string
	PercentComplete  int
	hasSpeed         bool
	hasETA           bool
	hasPercent       bool
}

// HasSpeed, HasETA and HasPercent report whether the corresponding
// optional field was present in the parsed output.
func (j JobStatus) HasSpeed() bool   { return j.hasSpeed }
func (j JobStatus) HasETA() bool     { return j.hasETA }
func (j JobStatus) HasPercent() bool { return j.hasPercent }

const maxConsecutiveStatusErrors = 2

var (
	jobHeaderRe = regexp.MustCompile(`^(\d+)\.\s+(pget|mirror)\s+(.*)$`)
	queueHeader = regexp.MustCompile(`^Queue\s*(\(\s*\d+\s*\))?:?\s*$`)
	chunkRe     = regexp.MustCompile(`^\s*\[\d+\]\s+(\S+)\s+(\d+)/(\d+)\s*\(?(\d+)?%?\)?`)
	summaryRe   = regexp.MustCompile(`(\d+)/(\d+)\s*\((\d+)%\)`)
	speedRe     = regexp.MustCompile(`([\d.]+[KMG]?B/s)`)
	etaRe       = regexp.MustCompile(`eta[:\s]+(\S+)`)
	gettingList = regexp.MustCompile(`Getting file list`)
	nameQuoted  = regexp.MustCompile(`["']((?:\\.|[^"'\\])+)["']`)
)

// statusParser wraps parseJobStatusText with the consecutive-error counter
// from spec §4.5; it is owned per TransferEngine instance, not shared
// package-wide state, since each driver's `jobs -v` stream is independent.
type statusParser struct {
	consecutiveErrors int
}

// parse parses `jobs -v` free-form text into a list of JobStatus. It
// tolerates malformed input up to maxConsecutiveStatusErrors times in a
// row (returning an empty, non-error result), after which it raises a
// *ParseError (spec §4.5).
func (p *statusParser) parse(text string) ([]JobStatus, error) {
	statuses, err := parseJobStatusText(text)
	if err != nil {
		p.consecutiveErrors++
		if p.consecutiveErrors > maxConsecutiveStatusErrors {
			p.consecutiveErrors = 0
			return nil, newParseError("jobs -v output could not be parsed", err)
		}
		return nil, nil
	}
	p.consecutiveErrors = 0
	return statuses, nil
}

// parseJobStatusText does the actual line-by-line grammar walk described
// in spec §4.5: top-level jobs introduced by "<index>. <verb> ...", a
// trailing "Queue" section whose members are QUEUED, and indented chunk
// sub-entries summed into a parent's totals.
func parseJobStatusText(text string) ([]JobStatus, error) {
	lines := strings.Split(text, "\n")

	var statuses []JobStatus
	inQueue := false
	var current *JobStatus

	flush := func() {
		if current != nil {
			statuses = append(statuses, *current)
			current = nil
		}
	}

	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if queueHeader.MatchString(strings.TrimSpace(line)) {
			flush()
			inQueue = true
			continue
		}

		if m := jobHeaderRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			flush()
			state := JobRunning
			if inQueue {
				state = JobQueued
			}
			verb := JobPGet
			if m[2] == "mirror" {
				verb = JobMirror
			}
			current = &JobStatus{ID: m[1], Type: verb, State: state, Name: extractName(m[3])}
			applySummaryLine(current, m[3])
			continue
		}

		if current == nil {
			continue
		}

		if gettingList.MatchString(line) {
			current.Flags.Set(FlagInitializing)
			continue
		}

		if m := chunkRe.FindStringSubmatch(line); m != nil {
			pos, err1 := strconv.ParseInt(m[2], 10, 64)
			total, err2 := strconv.ParseInt(m[3], 10, 64)
			if err1 != nil || err2 != nil {
				return nil, strconvErr(line)
			}
			current.TransferredSize += pos
			current.TotalSize += total
			continue
		}

		applySummaryLine(current, line)
	}
	flush()

	if len(statuses) == 0 && strings.TrimSpace(text) != "" && !looksEmpty(text) {
		return nil, errUnrecognizedJobsOutput
	}
	return statuses, nil
}

var errUnrecognizedJobsOutput = &ParseError{Cause: "no recognizable job lines"}

func strconvErr(line string) error {
	return &ParseError{Cause: "malformed chunk progress line: " + line}
}

// looksEmpty reports whether text is the engine's well-known "no jobs"
// banner rather than garbage; a caller with zero jobs queued should not be
// penalized as a parse error.
func looksEmpty(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "no jobs") || strings.TrimSpace(text) == ""
}

// extractName pulls a basename out of the quoted path on a job header
// line, stripping the backslash-escapes C4's Queue() call inserted.
func extractName(rest string) string {
	m := nameQuoted.FindStringSubmatch(rest)
	if m == nil {
		return strings.TrimSpace(rest)
	}
	path := strings.NewReplacer(`\'`, `'`, `\"`, `"`).Replace(m[1])
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// applySummaryLine extracts total/transferred/percent, speed and eta from
// a job-level summary line when chunk sub-entries are absent.
func applySummaryLine(j *JobStatus, line string) {
	if m := summaryRe.FindStringSubmatch(line); m != nil {
		if j.TotalSize == 0 {
			if pos, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				j.TransferredSize = pos
			}
			if total, err := strconv.ParseInt(m[2], 10, 64); err == nil {
				j.TotalSize = total
			}
		}
		if pct, err := strconv.Atoi(m[3]); err == nil {
			j.PercentComplete = pct
			j.hasPercent = true
		}
	}
	if m := speedRe.FindStringSubmatch(line); m != nil {
		j.Speed = m[1]
		j.hasSpeed = true
	}
	if m := etaRe.FindStringSubmatch(strings.ToLower(line)); m != nil {
		j.ETA = m[1]
		j.hasETA = true
	}
}
