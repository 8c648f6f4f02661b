// Package eventsub maintains one EventSub WebSocket session per identity:
// dial, welcome handshake, keepalive staleness detection, server-directed
// migration, and reconnect with jittered backoff.
package eventsub

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// DefaultURL is the production EventSub WebSocket endpoint.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

const (
	// staleAfter bounds the silence we tolerate. Keepalives arrive well
	// inside this window; a read that exceeds it means the connection is
	// dead even if TCP disagrees.
	staleAfter = 70 * time.Second

	dialTimeout    = 10 * time.Second
	welcomeTimeout = 15 * time.Second

	backoffMin = time.Second
	backoffMax = 60 * time.Second

	// maxConsecutiveFailures escalates a session that never gets back to
	// a welcome. The counter resets on every welcome.
	maxConsecutiveFailures = 100
)

// ErrTooManyFailures is returned by Run after maxConsecutiveFailures
// connection attempts without a single welcome.
var ErrTooManyFailures = errors.New("eventsub: too many consecutive connection failures")

// errMalformedFrame marks a frame that read fine but failed to decode.
// The connection itself is healthy; the frame is dropped.
var errMalformedFrame = errors.New("malformed frame")

// Handlers receive session events. All callbacks run on the session
// goroutine; keep them short or hand off.
type Handlers struct {
	// OnWelcome fires with the session id after every welcome, including
	// the welcome that completes a server-directed migration.
	OnWelcome func(sessionID string)

	// OnNotification delivers the raw event payload of one notification
	// along with its subscription type.
	OnNotification func(subType string, event json.RawMessage)

	// OnRevocation fires when the server revokes a subscription.
	OnRevocation func(subID, status string)
}

// Session is the connection supervisor for one identity.
type Session struct {
	username string
	url      string
	handlers Handlers

	mu        sync.Mutex
	sessionID string
	failures  int
}

// New builds a Session. url is DefaultURL in production; tests point it at
// a local server.
func New(username, url string, h Handlers) *Session {
	if url == "" {
		url = DefaultURL
	}
	return &Session{username: username, url: url, handlers: h}
}

// SessionID returns the id of the current welcome-confirmed session, or
// empty before the first welcome.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Run connects and reconnects until ctx is cancelled or the consecutive
// failure cap is hit.
func (s *Session) Run(ctx context.Context) error {
	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		s.mu.Lock()
		s.sessionID = ""
		s.failures++
		failures := s.failures
		s.mu.Unlock()

		if failures >= maxConsecutiveFailures {
			log.Printf("eventsub: %s giving up after %d consecutive failures: %v", s.username, failures, err)
			return ErrTooManyFailures
		}

		wait := jitter(backoff)
		log.Printf("eventsub: %s disconnected: %v; reconnecting in %s", s.username, err, wait.Round(time.Millisecond))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if backoff < backoffMax {
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
	}
}

// runOnce runs one connection to completion. It returns on read error,
// staleness, or a failed migration; Run decides what happens next.
func (s *Session) runOnce(ctx context.Context) error {
	conn, err := s.dial(ctx, s.url)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		f, err := readFrame(ctx, conn, staleAfter)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errMalformedFrame) {
				// The socket is fine; dropping the frame keeps everything
				// queued behind it deliverable.
				log.Printf("eventsub: %s dropping frame: %v", s.username, err)
				continue
			}
			return fmt.Errorf("read: %w", err)
		}

		switch f.Metadata.MessageType {
		case "session_welcome":
			s.handleWelcome(f.Payload)

		case "session_keepalive":
			// Silence reset happens per read; nothing to do.

		case "notification":
			s.handleNotification(f.Payload)

		case "revocation":
			s.handleRevocation(f.Payload)

		case "session_reconnect":
			next, err := s.migrate(ctx, f.Payload)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			// Old connection has stopped delivering notifications; the
			// new one took over at its welcome.
			conn.Close(websocket.StatusNormalClosure, "migrating")
			conn = next

		default:
			// Unknown message types are forward compatibility, not errors.
		}
	}
}

func (s *Session) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// migrate dials the server-provided URL and waits for its welcome before
// abandoning the old connection, so no notification gap opens up.
func (s *Session) migrate(ctx context.Context, payload json.RawMessage) (*websocket.Conn, error) {
	var p sessionPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Session.ReconnectURL == "" {
		return nil, errors.New("reconnect message without usable url")
	}

	log.Printf("eventsub: %s server requested migration", s.username)

	conn, err := s.dial(ctx, p.Session.ReconnectURL)
	if err != nil {
		return nil, err
	}

	f, err := readFrame(ctx, conn, welcomeTimeout)
	if err != nil || f.Metadata.MessageType != "session_welcome" {
		conn.Close(websocket.StatusNormalClosure, "")
		if err == nil {
			err = fmt.Errorf("expected welcome, got %q", f.Metadata.MessageType)
		}
		return nil, err
	}

	s.handleWelcome(f.Payload)
	return conn, nil
}

func (s *Session) handleWelcome(payload json.RawMessage) {
	var p sessionPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Session.ID == "" {
		log.Printf("eventsub: %s welcome without session id", s.username)
		return
	}

	s.mu.Lock()
	s.sessionID = p.Session.ID
	s.failures = 0
	s.mu.Unlock()

	log.Printf("eventsub: %s session established (%s)", s.username, p.Session.ID)
	if s.handlers.OnWelcome != nil {
		s.handlers.OnWelcome(p.Session.ID)
	}
}

func (s *Session) handleNotification(payload json.RawMessage) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if s.handlers.OnNotification != nil {
		s.handlers.OnNotification(p.Subscription.Type, p.Event)
	}
}

func (s *Session) handleRevocation(payload json.RawMessage) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	log.Printf("eventsub: %s subscription %s revoked (%s)", s.username, p.Subscription.ID, p.Subscription.Status)
	if s.handlers.OnRevocation != nil {
		s.handlers.OnRevocation(p.Subscription.ID, p.Subscription.Status)
	}
}

// frame is the envelope every EventSub WebSocket message arrives in.
type frame struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// readFrame reads one message with a per-read deadline so a silent
// connection surfaces as an error instead of blocking forever.
func readFrame(ctx context.Context, conn *websocket.Conn, within time.Duration) (frame, error) {
	readCtx, cancel := context.WithTimeout(ctx, within)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return frame{}, err
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	return f, nil
}

// jitter spreads d by ±20% so a fleet of identities does not reconnect in
// lockstep.
func jitter(d time.Duration) time.Duration {
	span := int64(d) * 2 / 5
	if span <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return d
	}
	return d - time.Duration(int64(d)/5) + time.Duration(n.Int64())
}
