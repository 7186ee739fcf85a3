package domain

import "time"

// ConditionKind classifies what the projector is asked to display.
type ConditionKind string

const (
	// ConditionFeed is an error reported by the feed server.
	ConditionFeed ConditionKind = "feed"
	// ConditionValidation is a wholly invalid ticker message.
	ConditionValidation ConditionKind = "validation"
	// ConditionUnavailable means the transport keeps failing to reconnect.
	ConditionUnavailable ConditionKind = "unavailable"
)

// Condition is a display-only error state. It never tears down the engine.
type Condition struct {
	Kind    ConditionKind `json:"kind"`
	Message string        `json:"message"`
	Reason  string        `json:"reason,omitempty"`
	Since   time.Time     `json:"since"`
}

// Text renders the condition as "<message> - <reason>".
func (c Condition) Text() string {
	reason := c.Reason
	if reason == "" {
		reason = "No reason provided"
	}
	return c.Message + " - " + reason
}
