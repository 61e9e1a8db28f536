// Package presence mirrors queue and call transitions into an external
// status record consumed by unrelated dashboards. The record lives in a
// Redis hash per user; each change is additionally published as a NATS
// event. The mirror is strictly one-way: failures are logged and swallowed,
// never propagated to the operation that triggered them.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/huddle/match-core/internal/messaging"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// TTL keeps stale presence records from outliving their user.
	TTL = 1 * time.Hour

	// Status values for the presence record.
	StatusSearching = "searching"
	StatusInCall    = "in_call"
	StatusOnline    = "online"
	StatusOffline   = "offline"

	writeTimeout = 3 * time.Second
)

// Event is the payload published on presence.update.<user_id>.
type Event struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
	Mode   string `json:"mode,omitempty"`
	Ts     int64  `json:"ts"`
}

// Reporter writes presence updates to Redis and NATS. nats may be nil.
type Reporter struct {
	client *redis.Client
	nats   *messaging.NATSClient
}

// NewReporter creates a Reporter around an existing Redis client.
func NewReporter(client *redis.Client, nats *messaging.NATSClient) *Reporter {
	return &Reporter{client: client, nats: nats}
}

// Searching marks the user as searching in the given mode.
func (r *Reporter) Searching(userID, mode string) {
	r.set(userID, StatusSearching, mode)
}

// InCall marks the user as in an active call.
func (r *Reporter) InCall(userID, mode string) {
	r.set(userID, StatusInCall, mode)
}

// Online marks the user as online but idle.
func (r *Reporter) Online(userID string) {
	r.set(userID, StatusOnline, "")
}

// Offline marks the user as disconnected.
func (r *Reporter) Offline(userID string) {
	r.set(userID, StatusOffline, "")
}

// Get returns the user's current status and mode, or ("", "") if no record
// exists.
func (r *Reporter) Get(ctx context.Context, userID string) (string, string, error) {
	result, err := r.client.HGetAll(ctx, KeyPrefix+userID).Result()
	if err != nil {
		return "", "", err
	}
	return result["status"], result["mode"], nil
}

// set dispatches the fire-and-forget write. The caller's goroutine is
// never blocked: presence must neither delay nor fail the primary
// operation, so the write runs on its own goroutine with a bounded
// timeout and failures are logged only.
func (r *Reporter) set(userID, status, mode string) {
	go r.write(userID, status, mode)
}

func (r *Reporter) write(userID, status, mode string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	key := KeyPrefix + userID
	now := time.Now().Unix()

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"status":     status,
		"mode":       mode,
		"updated_at": now,
	})
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[presence] redis write user=%s status=%s: %v", userID, status, err)
	}

	if r.nats == nil {
		return
	}
	data, err := json.Marshal(Event{UserID: userID, Status: status, Mode: mode, Ts: now})
	if err != nil {
		return
	}
	if err := r.nats.PublishPresenceUpdate(userID, data); err != nil {
		log.Printf("[presence] nats publish user=%s status=%s: %v", userID, status, err)
	}
}
