package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // max encoded size the broker accepts
	MaxContentChars = 2000 // max character count
)

// IsBlank reports whether content is empty or whitespace-only. Blank input
// is silently ignored by the send path rather than rejected with an error.
func IsBlank(content string) bool {
	return strings.TrimSpace(content) == ""
}

// ValidateOutbound checks that a message is acceptable to hand to the
// transport. Blank input should be filtered with IsBlank before validation.
func ValidateOutbound(content string) error {
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
