package policy

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskText(t *testing.T) {
	cases := map[string]struct {
		input   string
		hidden  string
		visible string
	}{
		"email": {input: "write to user@example.com", hidden: "user@example.com", visible: "[email_redacted]"},
		"phone": {input: "call +55 11 99999-9999 today", hidden: "99999-9999"},
		"cpf":   {input: "cpf 123.456.789-00", hidden: "123.456.789-00", visible: "***.***.***-**"},
		"card":  {input: "card 4111 1111 1111 1111 ok", hidden: "4111 1111", visible: "**** **** **** 1111"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			masked := MaskText(tc.input)
			assert.NotContains(t, masked, tc.hidden)
			if tc.visible != "" {
				assert.Contains(t, masked, tc.visible)
			}
		})
	}
}

func TestMaskPayloadKeepsIdentifiers(t *testing.T) {
	payload := json.RawMessage(`{"lead_ids":["5511999990000","a1"],"conversation_id":"12345678901","kind":"nurture","note":"mail user@example.com"}`)

	var decoded struct {
		LeadIDs        []string `json:"lead_ids"`
		ConversationID string   `json:"conversation_id"`
		Kind           string   `json:"kind"`
		Note           string   `json:"note"`
	}
	require.NoError(t, json.Unmarshal(MaskPayload(payload), &decoded))

	assert.Equal(t, []string{"5511999990000", "a1"}, decoded.LeadIDs)
	assert.Equal(t, "12345678901", decoded.ConversationID)
	assert.Equal(t, "nurture", decoded.Kind)
	assert.Equal(t, "mail [email_redacted]", decoded.Note)
}

func TestMaskPayloadEdgeInputs(t *testing.T) {
	assert.Empty(t, MaskPayload(nil))
	assert.NotContains(t, string(MaskPayload(json.RawMessage(`not json user@example.com`))), "user@example.com")
	assert.JSONEq(t, `[1,true,null]`, string(MaskPayload(json.RawMessage(`[1,true,null]`))))
}

func TestCheckMessage(t *testing.T) {
	assert.NoError(t, CheckMessage("Oi Ana, tudo bem? Posso te ajudar com a proposta?"))

	for _, text := range []string{"   ", "Confirme sua senha aqui", strings.Repeat("a", MaxMessageRunes+1)} {
		assert.ErrorIs(t, CheckMessage(text), ErrContentRejected)
	}
}
