package logger

import (
	"regexp"
	"strings"
)

// Known provider key prefixes. Anything that looks like one of these is
// replaced before an error or log record leaves the process.
var keyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]+`),
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{8,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]+`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]+`),
}

// Redact replaces provider credential substrings in s with a masked marker.
// Every component that serializes an error or log record runs it first.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, re := range keyPatterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			// Keep the prefix so operators can tell which key family leaked.
			idx := strings.IndexAny(m, "_-")
			if idx < 0 || idx > 8 {
				idx = 3
			}
			return m[:idx+1] + "***"
		})
	}
	return s
}

// RedactErr is a convenience for error values; nil-safe.
func RedactErr(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}
