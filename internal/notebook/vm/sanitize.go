package vm

import (
	"regexp"

	"booml/pkg/errors"
)

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

// Sanitize replaces every character outside [A-Za-z0-9_-] with '_'.
func Sanitize(sessionID string) string {
	return unsafeIDChars.ReplaceAllString(sessionID, "_")
}

// ID returns the VM id (directory and container name) for a session.
func ID(sessionID string) (string, error) {
	safe := Sanitize(sessionID)
	if safe == "" {
		return "", errors.ValidationError("session_id", "session id must contain at least one safe character")
	}
	return "runner-" + safe, nil
}
