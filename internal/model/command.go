// internal/model/command.go
package model

import (
	"regexp"
	"strings"
	"time"
)

// CommandStatus is the outcome classification of a command execution.
type CommandStatus string

const (
	StatusPass    CommandStatus = "PASS"
	StatusFail    CommandStatus = "FAIL"
	StatusTimeout CommandStatus = "TIMEOUT"
	StatusError   CommandStatus = "ERROR"
)

// MatchFunc decides whether a response line satisfies a command.
type MatchFunc func(line string) bool

// MatchAny accepts any non-empty response line. Used as the default
// match predicate when a request supplies none.
func MatchAny(line string) bool {
	return strings.TrimSpace(line) != ""
}

// MatchContains matches lines containing the given substring,
// case-insensitively.
func MatchContains(sub string) MatchFunc {
	lower := strings.ToLower(sub)
	return func(line string) bool {
		return strings.Contains(strings.ToLower(line), lower)
	}
}

// MatchPattern matches lines against a case-insensitive regular
// expression. The pattern is compiled once up front; an invalid
// pattern matches nothing.
func MatchPattern(pattern string) MatchFunc {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return func(string) bool { return false }
	}
	return func(line string) bool {
		return re.MatchString(line)
	}
}

// CommandRequest describes one command to execute against an endpoint.
// The command text is opaque to the core; the firmware vocabulary and
// its match predicate are supplied by the caller. A nil Retries takes
// the channel's configured default; RetryCount(0) disables retries
// explicitly.
type CommandRequest struct {
	Text    string        `json:"text"`
	Timeout time.Duration `json:"timeout"`
	Retries *int          `json:"retries,omitempty"`
	Match   MatchFunc     `json:"-"`
}

// RetryCount builds an explicit retry budget for a CommandRequest.
func RetryCount(n int) *int {
	return &n
}

// CommandResult is the tagged outcome of a command execution.
type CommandResult struct {
	Command     string        `json:"command"`
	Status      CommandStatus `json:"status"`
	Response    string        `json:"response,omitempty"`
	Duration    time.Duration `json:"duration"`
	RetriesUsed int           `json:"retries_used"`
	Error       string        `json:"error,omitempty"`
	Err         error         `json:"-"`
}

// Passed reports whether the command completed with status PASS.
func (r CommandResult) Passed() bool {
	return r.Status == StatusPass
}

// ErrorResult builds an ERROR result for a command that never reached
// the wire or failed in transport.
func ErrorResult(command string, err error, duration time.Duration, retries int) CommandResult {
	res := CommandResult{
		Command:     command,
		Status:      StatusError,
		Duration:    duration,
		RetriesUsed: retries,
		Err:         err,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
