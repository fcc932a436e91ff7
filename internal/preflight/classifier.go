package preflight

import (
	"regexp"
	"strings"
)

// classify maps combined error/stderr text (lowercased) to a low-cardinality
// reason code. A pure function: the text is diagnostic only, never branched
// on as if it were structured data.
func classify(errText, stderr string) ReasonCode {
	combined := strings.ToLower(errText + " " + stderr)

	switch {
	case strings.Contains(combined, "no module named"):
		return ReasonModuleImportFailed
	case strings.Contains(combined, "modulenotfounderror"), strings.Contains(combined, "importerror"):
		return ReasonModuleDepNotFound
	case strings.Contains(combined, "dll load failed"), strings.Contains(combined, "image not found"):
		return ReasonDLLLoadFailed
	case strings.Contains(combined, "database is locked"), strings.Contains(combined, "resource busy"):
		return ReasonDBLockedOrBusy
	case strings.Contains(combined, "permission denied"), strings.Contains(combined, "access is denied"):
		return ReasonPermissionDenied
	case strings.Contains(combined, "timed out"), strings.Contains(combined, "timeout"):
		return ReasonPythonTimeout
	case strings.Contains(combined, "not found") && (strings.Contains(combined, "python") || strings.Contains(combined, "interpreter")):
		return ReasonPythonNotFound
	default:
		return ReasonUnknown
	}
}

var (
	unixPathPattern    = regexp.MustCompile(`/[^\s:'"]+`)
	windowsPathPattern = regexp.MustCompile(`[A-Za-z]:\\[^\s:'"]+`)
)

// redactPaths strips absolute filesystem paths from diagnostic text before
// it reaches a log line, replacing both POSIX and Windows forms with the
// literal token <path>.
func redactPaths(text string) string {
	text = windowsPathPattern.ReplaceAllString(text, "<path>")
	text = unixPathPattern.ReplaceAllString(text, "<path>")
	return text
}
