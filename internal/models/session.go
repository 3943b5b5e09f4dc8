package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionState is the sticky routing state of one (session, entity type) pair.
type SessionState struct {
	SessionID        string          `json:"session_id"`
	EntityType       EntityType      `json:"entity_type"`
	CurrentProvider  string          `json:"current_provider"`
	CurrentModel     string          `json:"current_model"`
	MessageCount     int             `json:"message_count"`
	AvgComplexity    float64         `json:"avg_complexity"`
	LastSwitchTime   time.Time       `json:"last_switch_time"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	PerformanceScore float64         `json:"performance_score"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Age returns how long the session has existed at now.
func (s *SessionState) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}
