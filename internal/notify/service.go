// Package notify dispatches spending alert events to a configured webhook.
// Events are sent as HTTP POST with optional HMAC-SHA256 signing so the
// receiver can authenticate them. Dispatch is asynchronous: publishing
// never blocks a selection request.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType describes what happened.
type EventType string

const (
	// EventBreakerTripped fires when the system-wide emergency ceiling is
	// crossed. The guard sends it at most once per day, not per rejection.
	EventBreakerTripped EventType = "breaker_tripped"

	// EventNearLimit fires when a user's spend crosses the warn threshold
	// of their daily ceiling.
	EventNearLimit EventType = "near_limit"

	// EventSelectionsExpired fires when the janitor releases abandoned
	// selections.
	EventSelectionsExpired EventType = "selections_expired"
)

// Event is the webhook payload.
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Service sends events to a webhook URL. A zero URL disables dispatch;
// Publish becomes a no-op, so callers never need a nil check.
type Service struct {
	url    string
	secret string
	client *http.Client
	ch     chan Event
}

// NewService creates a notification service. url may be empty to disable.
func NewService(url, secret string) *Service {
	return &Service{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
		ch:     make(chan Event, 64),
	}
}

// Enabled reports whether a webhook URL is configured.
func (s *Service) Enabled() bool { return s.url != "" }

// Publish queues an event for dispatch. Drops the event if the queue is
// full rather than blocking the caller.
func (s *Service) Publish(eventType EventType, userID, detail string, payload map[string]interface{}) {
	if !s.Enabled() {
		return
	}
	event := Event{
		Type:      eventType,
		UserID:    userID,
		Detail:    detail,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	select {
	case s.ch <- event:
	default:
		log.Warn().Str("event", string(eventType)).Msg("Alert queue full, event dropped")
	}
}

// Start runs the dispatch loop until ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	log.Info().Str("url", s.url).Msg("Alert webhook dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.ch:
			if err := s.send(ctx, event); err != nil {
				log.Warn().Err(err).Str("event", string(event.Type)).Msg("Alert dispatch failed")
			}
		}
	}
}

// send posts the event as JSON with up to 3 attempts and linear backoff.
func (s *Service) send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*2) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build alert request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "ModelSwapper-Webhook/1.0")
		req.Header.Set("X-Swapper-Event", string(event.Type))
		if s.secret != "" {
			mac := hmac.New(sha256.New, []byte(s.secret))
			mac.Write(body)
			req.Header.Set("X-Swapper-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, s.url)
	}
	return fmt.Errorf("alert failed after 3 attempts: %w", lastErr)
}
