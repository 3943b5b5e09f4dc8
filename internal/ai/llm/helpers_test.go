package llm

import (
	"testing"

	"github.com/irfndi/optiroute/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verdict struct {
	Score float64 `json:"complexity_score"`
	Level string  `json:"complexity_level"`
}

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		score   float64
		wantErr bool
	}{
		{"direct", `{"complexity_score":0.4,"complexity_level":"medium"}`, 0.4, false},
		{"fenced", "Here you go:\n```json\n{\"complexity_score\":0.8,\"complexity_level\":\"complex\"}\n```", 0.8, false},
		{"prose around", `My verdict is {"complexity_score": 0.2, "complexity_level": "simple"} hope that helps`, 0.2, false},
		{"trailing comma", `{"complexity_score": 0.6, "complexity_level": "medium",}`, 0.6, false},
		{"unquoted keys", `result: {complexity_score: 0.9, complexity_level: 'complex'}`, 0.9, false},
		{"no json", `I cannot classify this`, 0, true},
		{"empty", `   `, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := DecodeJSON[verdict](tt.content)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.score, v.Score, 1e-9)
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	block, ok := ExtractJSONObject(`pre {"a": {"b": "}"}} post {"c":1}`)
	require.True(t, ok)
	assert.Equal(t, `{"a": {"b": "}"}}`, block)

	_, ok = ExtractJSONObject("nothing here")
	assert.False(t, ok)
}

func TestConversationBuilder(t *testing.T) {
	history := []models.ConversationTurn{
		{Role: "user", Content: "first question about a long topic"},
		{Role: "assistant", Content: "first answer"},
		{Role: "tool", Content: "latest"},
	}

	msgs := NewConversationBuilder("system").AddHistory(history, 0).AddUser("now").Build()
	require.Len(t, msgs, 5)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[2].Role)
	assert.Equal(t, RoleUser, msgs[3].Role)
	assert.Equal(t, "now", msgs[4].Content)

	trimmed := TrimHistory(history, 5)
	require.NotEmpty(t, trimmed)
	assert.Equal(t, "latest", trimmed[len(trimmed)-1].Content)
	assert.Less(t, len(trimmed), len(history))

	assert.Empty(t, NewConversationBuilder("").Build())
}
