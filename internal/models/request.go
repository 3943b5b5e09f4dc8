package models

// EntityType identifies the kind of caller a request originates from.
type EntityType string

const (
	EntityPlatformChat      EntityType = "platform_chat"
	EntityAgentSession      EntityType = "agent_session"
	EntityWorkflowExecution EntityType = "workflow_execution"
	EntityWorkspaceChat     EntityType = "workspace_chat"
	EntityRAGQuery          EntityType = "rag_query"
)

// Valid reports whether the entity type is one of the known caller categories.
func (e EntityType) Valid() bool {
	switch e {
	case EntityPlatformChat, EntityAgentSession, EntityWorkflowExecution, EntityWorkspaceChat, EntityRAGQuery:
		return true
	}
	return false
}

// ConversationTurn is one prior message of a session. The engine treats it as opaque
// apart from its content length and wording.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RAGDocument is a handle to a retrieved document attached to the request.
type RAGDocument struct {
	ID         string `json:"id"`
	Title      string `json:"title,omitempty"`
	TokenCount int    `json:"token_count,omitempty"`
}

// RequestContext describes one incoming request. It is built once by the caller
// and never modified by the engine.
type RequestContext struct {
	SessionID           string             `json:"session_id"`
	UserID              string             `json:"user_id"`
	OrganizationID      string             `json:"organization_id,omitempty"`
	EntityType          EntityType         `json:"entity_type"`
	ModelType           APIType            `json:"model_type,omitempty"`
	MaxTokens           int                `json:"max_tokens"`
	ConversationHistory []ConversationTurn `json:"conversation_history,omitempty"`
	RAGDocuments        []RAGDocument      `json:"rag_documents,omitempty"`
	RequireFastResponse bool               `json:"require_fast_response"`
	CostSensitive       bool               `json:"cost_sensitive"`
	QualityCritical     bool               `json:"quality_critical"`
}

// HistoryLen returns the number of prior turns, tolerating a nil context.
func (rc *RequestContext) HistoryLen() int {
	if rc == nil {
		return 0
	}
	return len(rc.ConversationHistory)
}

// RAGCount returns the number of attached documents, tolerating a nil context.
func (rc *RequestContext) RAGCount() int {
	if rc == nil {
		return 0
	}
	return len(rc.RAGDocuments)
}

// EffectiveModelType defaults to chat when the caller did not say otherwise.
func (rc *RequestContext) EffectiveModelType() APIType {
	if rc == nil || rc.ModelType == "" {
		return APITypeChat
	}
	return rc.ModelType
}

// EffectiveEntityType defaults to platform chat for unknown callers.
func (rc *RequestContext) EffectiveEntityType() EntityType {
	if rc == nil || !rc.EntityType.Valid() {
		return EntityPlatformChat
	}
	return rc.EntityType
}
