// Package security provides validation and sanitization shared by the
// queue and storage layers: job type/queue name checks and error message
// scrubbing before anything is persisted or logged.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/declarative-pipeline/pkg/core"
)

const (
	// MaxTaskNameLength bounds a step/job task identifier.
	MaxTaskNameLength = 255

	// MaxQueueNameLength bounds a lane name.
	MaxQueueNameLength = 64

	// MaxErrorMessageLength bounds what gets persisted in Job.Error.
	MaxErrorMessageLength = 4096
)

var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateTaskName rejects empty, oversized, or oddly-shaped task names
// before a Job or Step reaches a Backend.
func ValidateTaskName(name string) error {
	if name == "" {
		return &core.ValidationError{Field: "task", Msg: "required"}
	}
	if len(name) > MaxTaskNameLength {
		return &core.ValidationError{Field: "task", Msg: "exceeds maximum length"}
	}
	if !validName.MatchString(name) {
		return &core.ValidationError{Field: "task", Msg: "must start with a letter and contain only alphanumerics, '_', '-', '.'"}
	}
	return nil
}

// ValidateQueueName rejects an empty or oversized lane name.
func ValidateQueueName(name string) error {
	if name == "" {
		return &core.ValidationError{Field: "queue", Msg: "required"}
	}
	if len(name) > MaxQueueNameLength {
		return &core.ValidationError{Field: "queue", Msg: "exceeds maximum length"}
	}
	if !validName.MatchString(name) {
		return &core.ValidationError{Field: "queue", Msg: "must start with a letter and contain only alphanumerics, '_', '-', '.'"}
	}
	return nil
}

// SanitizeErrorMessage strips control characters (other than whitespace)
// and truncates before an error string is stored on a Job or written to a
// log, so a misbehaving backend can't smuggle terminal escapes or blow out
// a column limit.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(msg))
	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}

	result := b.String()
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}
	return result
}
