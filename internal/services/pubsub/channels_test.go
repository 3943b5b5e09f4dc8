package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecisionChannel(t *testing.T) {
	assert.Equal(t, "routing:decision:agent", DecisionChannel("agent"))
	assert.Equal(t, "routing:decision:workflow", DecisionChannel("workflow"))
	assert.Equal(t, "routing:decision:unknown", DecisionChannel(""))
}

func TestOutcomeChannel(t *testing.T) {
	assert.Equal(t, "routing:outcome:anthropic", OutcomeChannel("anthropic"))
	assert.Equal(t, "routing:outcome:unknown", OutcomeChannel(""))
}

func TestChannelConstants(t *testing.T) {
	assert.Equal(t, "routing:decision:*", ChannelAllDecisions)
	assert.Equal(t, "routing:outcome:*", ChannelAllOutcomes)
	assert.Equal(t, "routing:catalog:invalidate", ChannelCatalogInvalidate)
}

func TestParseChannel(t *testing.T) {
	tests := []struct {
		name       string
		channel    string
		wantDomain string
		wantEntity string
		wantQuals  []string
	}{
		{
			name:       "decision by entity type",
			channel:    "routing:decision:agent",
			wantDomain: "routing",
			wantEntity: "decision",
			wantQuals:  []string{"agent"},
		},
		{
			name:       "nested qualifiers",
			channel:    "routing:outcome:openai:gpt-4o",
			wantDomain: "routing",
			wantEntity: "outcome",
			wantQuals:  []string{"openai", "gpt-4o"},
		},
		{
			name:       "domain and entity only",
			channel:    "routing:catalog",
			wantDomain: "routing",
			wantEntity: "catalog",
			wantQuals:  nil,
		},
		{
			name:       "malformed single segment",
			channel:    "routing",
			wantDomain: "",
			wantEntity: "",
			wantQuals:  nil,
		},
		{
			name:       "empty string",
			channel:    "",
			wantDomain: "",
			wantEntity: "",
			wantQuals:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			domain, entity, quals := ParseChannel(tt.channel)
			assert.Equal(t, tt.wantDomain, domain)
			assert.Equal(t, tt.wantEntity, entity)
			assert.Equal(t, tt.wantQuals, quals)
		})
	}
}
