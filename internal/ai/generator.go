// Package ai generates follow-up message text. The generator is an opaque
// collaborator: it either returns text or an error, and owns no persistence.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

var ErrGeneratorUnavailable = errors.New("message generator unavailable")

type GenerateInput struct {
	Tone          string
	Goal          string
	History       []string
	Language      string
	RecipientName string
	Audience      string
}

type Generator interface {
	Generate(ctx context.Context, input GenerateInput) (string, error)
}

const systemPrompt = "You write short, friendly WhatsApp follow-up messages on behalf of a business. " +
	"Reply with the message text only, without quotes, greetings in brackets or signatures."

var promptTemplate = template.Must(template.New("followup").Parse(
	`Write one follow-up message{{if .RecipientName}} to {{.RecipientName}}{{end}}.
Language: {{or .Language "pt-BR"}}
Tone: {{or .Tone "friendly"}}
Goal: {{or .Goal "restart the conversation"}}
{{- if .Audience}}
Audience: {{.Audience}}
{{- end}}
{{- if .History}}

Recent conversation (oldest first):
{{- range .History}}
{{.}}
{{- end}}
{{- else}}

There is no recent conversation with this contact.
{{- end}}
`))

// RenderPrompt builds the user prompt for input.
func RenderPrompt(input GenerateInput) (string, error) {
	var builder strings.Builder
	if err := promptTemplate.Execute(&builder, input); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return builder.String(), nil
}

// StaticGenerator returns a fixed message built from the input. It is used when
// no model API key is configured.
type StaticGenerator struct{}

func (StaticGenerator) Generate(_ context.Context, input GenerateInput) (string, error) {
	name := strings.TrimSpace(input.RecipientName)
	if name == "" {
		name = "tudo bem"
	}
	goal := strings.TrimSpace(input.Goal)
	if goal == "" {
		return fmt.Sprintf("Oi, %s! Passando para saber se posso ajudar em algo.", name), nil
	}
	return fmt.Sprintf("Oi, %s! Passando para retomar nossa conversa: %s.", name, goal), nil
}
