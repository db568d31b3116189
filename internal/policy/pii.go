package policy

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

type redaction struct {
	pattern *regexp.Regexp
	replace func(match string) string
}

// Applied in order: card runs go before CPFs and phones so the shorter
// patterns never split a card number.
var redactions = []redaction{
	{regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`), replaceWith("[email_redacted]")},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`), keepLastFour},
	{regexp.MustCompile(`\b\d{3}\.?\d{3}\.?\d{3}\-?\d{2}\b`), replaceWith("***.***.***-**")},
	{regexp.MustCompile(`\+?\d[\d()\-\s.]{7,}\d`), replaceWith("[phone_redacted]")},
}

// MaskText redacts emails, card numbers, CPFs and phone numbers in free text.
func MaskText(value string) string {
	for _, rule := range redactions {
		value = rule.pattern.ReplaceAllStringFunc(value, rule.replace)
	}
	return value
}

// MaskPayload redacts every string of a JSON document except those under
// identifier keys ("id", "*_id", "*_ids"), which job handlers still need.
// Input that is not JSON is masked as text.
func MaskPayload(payload json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(payload)) == 0 {
		return append(json.RawMessage(nil), payload...)
	}

	var document any
	if err := json.Unmarshal(payload, &document); err != nil {
		return json.RawMessage(MaskText(string(payload)))
	}
	masked, err := json.Marshal(redactNode(document))
	if err != nil {
		return append(json.RawMessage(nil), payload...)
	}
	return masked
}

// redactNode rewrites the freshly decoded document in place.
func redactNode(node any) any {
	switch typed := node.(type) {
	case string:
		return MaskText(typed)
	case []any:
		for i := range typed {
			typed[i] = redactNode(typed[i])
		}
	case map[string]any:
		for key, child := range typed {
			if identifierKey(key) {
				continue
			}
			typed[key] = redactNode(child)
		}
	}
	return node
}

func identifierKey(key string) bool {
	key = strings.ToLower(key)
	return key == "id" || strings.HasSuffix(key, "_id") || strings.HasSuffix(key, "_ids")
}

func replaceWith(text string) func(string) string {
	return func(string) string { return text }
}

func keepLastFour(match string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, match)
	if len(digits) < 13 {
		return match
	}
	return "**** **** **** " + digits[len(digits)-4:]
}
