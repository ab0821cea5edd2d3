package upstream

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var ErrUpstreamTimeout = errors.New("upstream request timed out")

const maxErrorBody = 512

// UpstreamError is a transport failure (Err set) or a non-2xx response.
type UpstreamError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("%s %s: upstream returned status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: upstream returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
