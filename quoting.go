package seedsync

import "strings"

// quoteShellCommand implements the command-quoting policy from spec §4.1: if
// the command has no quotes, wrap it in double quotes; if it has a double
// quote but no single quote, wrap it in single quotes; if it has a single
// quote, wrap it in single quotes and escape each inner single quote using
// the four-character '"'"' trick.
func quoteShellCommand(command string) string {
	switch {
	case strings.Contains(command, "'"):
		return "'" + strings.ReplaceAll(command, "'", `'"'"'`) + "'"
	case strings.Contains(command, `"`):
		return "'" + command + "'"
	default:
		return `"` + command + `"`
	}
}

// escapeRemotePathSingle wraps path in single quotes, escaping embedded
// single quotes with the '"'"' trick. This is the default remote-path
// escaping; it never expands a leading ~.
func escapeRemotePathSingle(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'"'"'`) + "'"
}

// escapeRemotePathDouble wraps path in double quotes, replacing a leading ~
// with $HOME so the remote shell expands it. Used whenever the path begins
// with ~: the whole command for that invocation switches to double-quote
// wrapping.
func escapeRemotePathDouble(path string) string {
	if strings.HasPrefix(path, "~") {
		path = "$HOME" + path[1:]
	}
	return `"` + path + `"`
}

// isHomeRelative reports whether a remote path begins with ~, meaning it
// must be expanded by the remote shell rather than joined locally.
func isHomeRelative(path string) bool {
	return strings.HasPrefix(path, "~")
}

// buildScanCommand assembles "<helperPath> <scanRoot>", picking double- or
// single-quote escaping for scanRoot per spec §4.3 depending on whether it
// is home-relative. helperPath is always escaped the same way as scanRoot
// so the whole invocation is consistent.
func buildScanCommand(helperPath, scanRoot string) string {
	if isHomeRelative(scanRoot) {
		return escapeRemotePathDouble(helperPath) + " " + escapeRemotePathDouble(scanRoot)
	}
	return escapeRemotePathSingle(helperPath) + " " + escapeRemotePathSingle(scanRoot)
}

// escapeQueueArg escapes single and double quotes in a string embedded
// inside an engine "queue '...'" command per spec §4.4: inner single quotes
// become \', inner double quotes become \".
func escapeQueueArg(s string) string {
	r := strings.NewReplacer(`'`, `\'`, `"`, `\"`)
	return r.Replace(s)
}

// remotePathJoin joins remote POSIX path segments, collapsing duplicate
// slashes, without relying on path/filepath (which is host-OS-aware and
// wrong for a remote POSIX box when the daemon runs on a non-POSIX host).
func remotePathJoin(segments ...string) string {
	var nonEmpty []string
	for _, s := range segments {
		if t := strings.Trim(s, "/"); t != "" {
			nonEmpty = append(nonEmpty, t)
		}
	}
	joined := strings.Join(nonEmpty, "/")
	if len(segments) > 0 && strings.HasPrefix(segments[0], "/") {
		joined = "/" + joined
	}
	return joined
}
