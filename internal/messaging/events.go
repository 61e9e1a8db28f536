package messaging

import (
	"encoding/json"
	"log"
	"time"
)

// MatchCreatedEvent is published on match.created.
type MatchCreatedEvent struct {
	MatchID string `json:"match_id"`
	UserA   string `json:"user_a"`
	UserB   string `json:"user_b"`
	Mode    string `json:"mode"`
	Ts      int64  `json:"ts"`
}

// MatchEndedEvent is published on match.ended.
type MatchEndedEvent struct {
	MatchID string `json:"match_id"`
	Status  string `json:"status"`
	Ts      int64  `json:"ts"`
}

// MatchEvents publishes match lifecycle transitions to NATS. Publishing is
// best-effort: failures are logged, never propagated.
type MatchEvents struct {
	client *NATSClient
}

// NewMatchEvents creates a MatchEvents publisher.
func NewMatchEvents(client *NATSClient) *MatchEvents {
	return &MatchEvents{client: client}
}

// MatchCreated publishes a match.created event.
func (e *MatchEvents) MatchCreated(matchID, userA, userB, mode string) {
	data, err := json.Marshal(MatchCreatedEvent{
		MatchID: matchID,
		UserA:   userA,
		UserB:   userB,
		Mode:    mode,
		Ts:      time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := e.client.PublishMatchCreated(data); err != nil {
		log.Printf("[events] publish match.created match=%s: %v", matchID, err)
	}
}

// MatchEnded publishes a match.ended event.
func (e *MatchEvents) MatchEnded(matchID, status string) {
	data, err := json.Marshal(MatchEndedEvent{
		MatchID: matchID,
		Status:  status,
		Ts:      time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := e.client.PublishMatchEnded(data); err != nil {
		log.Printf("[events] publish match.ended match=%s: %v", matchID, err)
	}
}
