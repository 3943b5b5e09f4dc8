package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/utils"
	"github.com/kaptinlin/jsonrepair"
)

// ErrNoJSONObject is returned when a response carries no recoverable JSON object.
var ErrNoJSONObject = errors.New("no JSON object in response")

// JSONObjectFormat requests a bare JSON object from providers that support it.
func JSONObjectFormat() *ResponseFormat {
	return &ResponseFormat{Type: "json_object"}
}

// DecodeJSON parses content into T. It tries the raw text first, then the
// outermost {...} block embedded in surrounding prose or code fences, and
// finally a repaired version of that block.
func DecodeJSON[T any](content string) (T, error) {
	var result T

	content = strings.TrimSpace(content)
	if content == "" {
		return result, fmt.Errorf("empty response: %w", ErrNoJSONObject)
	}

	if err := json.Unmarshal([]byte(content), &result); err == nil {
		return result, nil
	}

	block, ok := ExtractJSONObject(content)
	if !ok {
		return result, ErrNoJSONObject
	}
	if err := json.Unmarshal([]byte(block), &result); err == nil {
		return result, nil
	}

	repaired, err := jsonrepair.JSONRepair(block)
	if err != nil {
		return result, fmt.Errorf("failed to repair JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &result); err != nil {
		return result, fmt.Errorf("failed to parse repaired JSON: %w", err)
	}
	return result, nil
}

// ExtractJSONObject returns the substring from the first '{' to the matching
// closing brace, or to the last '}' when braces are unbalanced.
func ExtractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}

	end := strings.LastIndexByte(text, '}')
	if end <= start {
		return text[start:], true
	}
	return text[start : end+1], true
}

// ConversationBuilder assembles a message list.
type ConversationBuilder struct {
	messages []Message
}

// NewConversationBuilder creates a builder initialized with a system prompt.
func NewConversationBuilder(systemPrompt string) *ConversationBuilder {
	b := &ConversationBuilder{}
	if systemPrompt != "" {
		b.messages = append(b.messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	return b
}

// AddUser appends a user message.
func (b *ConversationBuilder) AddUser(content string) *ConversationBuilder {
	b.messages = append(b.messages, Message{Role: RoleUser, Content: content})
	return b
}

// AddAssistant appends an assistant message.
func (b *ConversationBuilder) AddAssistant(content string) *ConversationBuilder {
	b.messages = append(b.messages, Message{Role: RoleAssistant, Content: content})
	return b
}

// AddHistory appends prior turns, keeping the most recent ones that fit in
// tokenBudget. A non-positive budget keeps everything.
func (b *ConversationBuilder) AddHistory(turns []models.ConversationTurn, tokenBudget int) *ConversationBuilder {
	b.messages = append(b.messages, TrimHistory(turns, tokenBudget)...)
	return b
}

// Build returns the constructed message slice.
func (b *ConversationBuilder) Build() []Message {
	return b.messages
}

// TrimHistory converts turns to messages, dropping the oldest first until the
// estimated token total fits in budget. Unknown roles are sent as user turns.
func TrimHistory(turns []models.ConversationTurn, budget int) []Message {
	kept := make([]Message, 0, len(turns))
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		tokens := utils.EstimateTokens(turns[i].Content)
		if budget > 0 && used+tokens > budget {
			break
		}
		used += tokens
		kept = append(kept, Message{Role: roleFor(turns[i].Role), Content: turns[i].Content})
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

func roleFor(role string) Role {
	switch Role(strings.ToLower(role)) {
	case RoleAssistant:
		return RoleAssistant
	case RoleSystem:
		return RoleSystem
	default:
		return RoleUser
	}
}
