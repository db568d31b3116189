// Package history assembles the recent conversation with a lead into the
// bounded context handed to the message generator.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iago/wa-tenancy/internal/domain"
)

// MessageSource returns a lead's messages since a point in time, newest first.
type MessageSource interface {
	Recent(ctx context.Context, leadID string, since time.Time, limit int) ([]domain.Message, error)
}

type Options struct {
	Window      time.Duration
	MaxMessages int
	MaxTokens   int
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 14 * 24 * time.Hour
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = 20
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1200
	}
	return o
}

type Builder struct {
	source  MessageSource
	options Options
	now     func() time.Time
}

func NewBuilder(source MessageSource, options Options) *Builder {
	return &Builder{source: source, options: options.withDefaults(), now: time.Now}
}

// Build returns transcript lines in chronological order. Repeated messages are
// kept once and the oldest lines are dropped first when the token budget runs out.
func (b *Builder) Build(ctx context.Context, leadID string) ([]string, error) {
	since := b.now().Add(-b.options.Window)
	messages, err := b.source.Recent(ctx, leadID, since, b.options.MaxMessages)
	if err != nil {
		return nil, fmt.Errorf("load history for lead %s: %w", leadID, err)
	}

	seen := make(map[string]struct{}, len(messages))
	selected := make([]string, 0, len(messages))
	budget := b.options.MaxTokens
	// messages arrive newest first, so the budget favours recent lines.
	for _, message := range messages {
		body := strings.Join(strings.Fields(message.Body), " ")
		if body == "" {
			continue
		}
		key := string(message.Direction) + "|" + strings.ToLower(body)
		if _, exists := seen[key]; exists {
			continue
		}
		line := speaker(message.Direction) + ": " + body
		tokens := estimateTokens(line)
		if tokens > budget {
			continue
		}
		seen[key] = struct{}{}
		budget -= tokens
		selected = append(selected, line)
	}

	for left, right := 0, len(selected)-1; left < right; left, right = left+1, right-1 {
		selected[left], selected[right] = selected[right], selected[left]
	}
	return selected, nil
}

func speaker(direction domain.MessageDirection) string {
	if direction == domain.MessageInbound {
		return "lead"
	}
	return "agent"
}

func estimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	count := len([]rune(trimmed)) / 4
	if count < 1 {
		count = 1
	}
	return count
}
