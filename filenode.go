package seedsync

import (
	"sort"
	"strings"
	"time"
)

// lftpStatusSuffix marks a sidecar file that records the true end-size of a
// file still being downloaded by the transfer engine (spec §3, §6). The
// remote helper is responsible for excluding these from its output and
// folding their contents into the sibling file's reported size; C3 only
// defends against a non-conforming helper leaking one through.
const lftpStatusSuffix = ".lftp-pget-status"

// FileNode is one entry in a scanned remote file tree (spec §3). A
// directory's Size always equals the sum of its Children's Size; Children
// is ordered by Name ascending and non-empty only when IsDir. FileNode is
// constructed by decodeNode(), handed to the caller, and never mutated after
// that.
type FileNode struct {
	Name         string
	Size         int64
	IsDir        bool
	TimeCreated  *time.Time
	TimeModified *time.Time
	Children     []FileNode
}

// sortChildren orders Children by Name ascending, matching the invariant in
// spec §3. decodeFileNodes() and decodeNode() apply this defensively: the wire contract requires
// the helper to emit pre-sorted output, but a PORTABLE-variant
// reimplementation could differ.
func sortChildren(children []FileNode) {
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
}

// totalSize recomputes Size for a directory node as the sum of its
// children's Size, per the directory invariant in spec §3.
func totalSize(children []FileNode) int64 {
	var sum int64
	for _, c := range children {
		sum += c.Size
	}
	return sum
}

// isLftpStatusFile reports whether name is an .lftp-pget-status sidecar.
func isLftpStatusFile(name string) bool {
	return strings.HasSuffix(name, lftpStatusSuffix)
}
