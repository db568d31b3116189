package policy

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var ErrContentRejected = errors.New("generated content rejected")

// MaxMessageRunes bounds a single automated message.
const MaxMessageRunes = 1500

var blockedTerms = []string{
	"phishing",
	"ransomware",
	"malware",
	"golpe",
	"fraude",
	"senha",
	"password",
}

// CheckMessage validates generated text before it is delivered to a lead.
func CheckMessage(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return fmt.Errorf("%w: empty message", ErrContentRejected)
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageRunes {
		return fmt.Errorf("%w: message exceeds %d characters", ErrContentRejected, MaxMessageRunes)
	}
	lowered := strings.ToLower(trimmed)
	for _, term := range blockedTerms {
		if strings.Contains(lowered, term) {
			return fmt.Errorf("%w: blocked term %q", ErrContentRejected, term)
		}
	}
	return nil
}
