// Package relay forwards connection-setup metadata and chat/location
// payloads between the two participants of a match. It carries no media:
// audio/video bytes flow peer-to-peer once signaling completes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/huddle/match-core/internal/lifecycle"
	"github.com/huddle/match-core/internal/metrics"
	"github.com/huddle/match-core/internal/protocol"
)

// MaxChatChars is the maximum chat message length in characters.
const MaxChatChars = 1000

// ErrValidation marks a payload that fails content validation. It is
// reported to the sender only and the payload is never relayed.
var ErrValidation = errors.New("relay: invalid payload")

// MatchSource resolves match IDs to live matches.
type MatchSource interface {
	Lookup(matchID string) (*lifecycle.Match, error)
}

// Notifier fans a payload out to every reachable connection of a user.
type Notifier interface {
	Send(userID string, data []byte) int
}

// LocationStore persists location shares.
type LocationStore interface {
	SaveLocation(ctx context.Context, matchID, userID string, lat, lon float64, address string) error
}

// Relay forwards payloads between the participants of a match. All sends
// require the sender to be a participant of a non-terminal match; anything
// else is rejected with a typed error and no delivery.
type Relay struct {
	matches   MatchSource
	notifier  Notifier
	locations LocationStore
}

// New creates a Relay.
func New(matches MatchSource, notifier Notifier, locations LocationStore) *Relay {
	return &Relay{matches: matches, notifier: notifier, locations: locations}
}

// Signal forwards a WebRTC offer, answer, or ICE candidate to every
// reachable connection of the other participant. Signaling delivery is
// unordered-tolerant: WebRTC negotiation handles reordering and loss at
// this layer, so no sequencing is added.
func (r *Relay) Signal(matchID, senderID, kind string, payload json.RawMessage) error {
	m, other, err := r.route(matchID, senderID)
	if err != nil {
		return err
	}

	data, err := protocol.NewServerMessage(kind, protocol.ServerSignalMsg{
		MatchID: m.ID,
		From:    senderID,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("relay: build %s: %w", kind, err)
	}

	metrics.RelayedTotal.WithLabelValues(kind).Inc()
	r.notifier.Send(other, data)
	return nil
}

// Chat relays a text message to all participants, the sender included: the
// sender's own UI renders its echo, which keeps message ordering identical
// on both sides. Per-sender ordering is preserved because each connection's
// frames are read and handled serially.
func (r *Relay) Chat(matchID, senderID, text string) error {
	if text == "" {
		return fmt.Errorf("%w: empty message", ErrValidation)
	}
	if utf8.RuneCountInString(text) > MaxChatChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrValidation, MaxChatChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrValidation)
	}

	m, other, err := r.route(matchID, senderID)
	if err != nil {
		return err
	}

	data, err := protocol.NewServerMessage(protocol.TypeChatMessage, protocol.ServerChatMessageMsg{
		MatchID: m.ID,
		From:    senderID,
		Message: text,
		Ts:      time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("relay: build chat message: %w", err)
	}

	metrics.RelayedTotal.WithLabelValues(protocol.TypeChatMessage).Inc()
	r.notifier.Send(senderID, data)
	r.notifier.Send(other, data)
	return nil
}

// ShareLocation persists the location against the match, then relays it to
// the other participant. Persistence failure fails the operation before
// anything is delivered.
func (r *Relay) ShareLocation(ctx context.Context, matchID, senderID string, loc protocol.Location) error {
	m, other, err := r.route(matchID, senderID)
	if err != nil {
		return err
	}

	if err := r.locations.SaveLocation(ctx, m.ID, senderID, loc.Lat, loc.Lon, loc.Address); err != nil {
		return fmt.Errorf("relay: save location: %w", err)
	}

	data, err := protocol.NewServerMessage(protocol.TypeLocationShared, protocol.ServerLocationSharedMsg{
		MatchID:  m.ID,
		From:     senderID,
		Location: loc,
	})
	if err != nil {
		return fmt.Errorf("relay: build location share: %w", err)
	}

	metrics.RelayedTotal.WithLabelValues(protocol.TypeShareLocation).Inc()
	r.notifier.Send(other, data)
	return nil
}

// route resolves the match and authorizes the sender. A terminated match no
// longer accepts relayed payloads and reports not-found, matching the
// lifecycle's view that terminal matches are immutable.
func (r *Relay) route(matchID, senderID string) (*lifecycle.Match, string, error) {
	m, err := r.matches.Lookup(matchID)
	if err != nil {
		return nil, "", err
	}
	if !m.IsParticipant(senderID) {
		log.Printf("[relay] rejected sender=%s match=%s: not a participant", senderID, matchID)
		return nil, "", lifecycle.ErrNotParticipant
	}
	if m.Terminal() {
		return nil, "", lifecycle.ErrNotFound
	}
	return m, m.Other(senderID), nil
}
