// Package bridge implements the per-call voice bridge between a telephony
// media-stream WebSocket and a conversational agent session.
//
// One Call is created per accepted telephony connection. The Call owns both
// sockets, all timers, and the state machines between them: frame pacing to
// the telephony side, silence-based turn tracking on the caller side, and
// upstream packet batching to the agent side.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/coder/websocket"
)

// Telephony close codes used by the bridge.
const (
	// closePolicyViolation rejects a stream that failed token auth.
	closePolicyViolation websocket.StatusCode = websocket.StatusPolicyViolation

	// closeInternalError terminates a stream after an unrecoverable agent
	// failure.
	closeInternalError websocket.StatusCode = websocket.StatusInternalError
)

// ── Inbound events ─────────────────────────────────────────────────────────────

// telephonyEvent is one record from the telephony media stream, tagged by its
// event field. Only the envelope for the tagged event is populated.
type telephonyEvent struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid,omitempty"`
	Start     *startEvent `json:"start,omitempty"`
	Media     *mediaEvent `json:"media,omitempty"`
	Mark      *markBody   `json:"mark,omitempty"`
}

// startEvent carries the stream identity and the custom parameters attached
// by the TwiML document that initiated the stream.
type startEvent struct {
	StreamSid        string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

// mediaEvent carries one 20 ms frame of base64 μ-law line audio.
type mediaEvent struct {
	Track   string `json:"track"`
	Chunk   string `json:"chunk,omitempty"`
	Payload string `json:"payload"`
}

type markBody struct {
	Name string `json:"name"`
}

// ── Outbound records ───────────────────────────────────────────────────────────

// The telephony protocol represents all sequencing fields as decimal strings.

type outboundMedia struct {
	Event          string            `json:"event"`
	StreamSid      string            `json:"streamSid"`
	SequenceNumber string            `json:"sequenceNumber"`
	Media          outboundMediaBody `json:"media"`
}

type outboundMediaBody struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type outboundMark struct {
	Event     string   `json:"event"`
	StreamSid string   `json:"streamSid"`
	Mark      markBody `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// ── TelephonyConn ──────────────────────────────────────────────────────────────

// TelephonyConn wraps the telephony WebSocket. Reads belong to a single
// reader goroutine; writes are serialised on an internal mutex and may come
// from the agent pump and timer callbacks concurrently.
type TelephonyConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *slog.Logger
}

// NewTelephonyConn wraps an accepted WebSocket connection.
func NewTelephonyConn(conn *websocket.Conn, logger *slog.Logger) *TelephonyConn {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelephonyConn{conn: conn, logger: logger}
}

// ReadEvent returns the next parseable event from the stream. Malformed
// records are logged and skipped; the connection stays open. A transport
// error ends the stream and is returned as-is.
func (t *TelephonyConn) ReadEvent(ctx context.Context) (*telephonyEvent, error) {
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		evt := &telephonyEvent{}
		if err := json.Unmarshal(data, evt); err != nil {
			t.logger.Debug("malformed telephony record, skipping", "err", err)
			continue
		}
		return evt, nil
	}
}

// WriteFrame sends one paced audio frame as a media record followed by its
// mark record.
func (t *TelephonyConn) WriteFrame(ctx context.Context, streamSid string, f Frame) error {
	media := outboundMedia{
		Event:          "media",
		StreamSid:      streamSid,
		SequenceNumber: strconv.FormatUint(f.Seq, 10),
		Media: outboundMediaBody{
			Track:     "outbound",
			Chunk:     strconv.FormatUint(f.Chunk, 10),
			Timestamp: strconv.FormatUint(f.TimestampMs, 10),
			Payload:   f.PayloadBase64(),
		},
	}
	mark := outboundMark{
		Event:     "mark",
		StreamSid: streamSid,
		Mark:      markBody{Name: fmt.Sprintf("chunk-%d", f.Chunk)},
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.writeJSONLocked(ctx, media); err != nil {
		return fmt.Errorf("bridge: write media frame: %w", err)
	}
	if err := t.writeJSONLocked(ctx, mark); err != nil {
		return fmt.Errorf("bridge: write mark: %w", err)
	}
	return nil
}

// WriteClear asks the telephony side to drop its playout buffer (barge-in).
func (t *TelephonyConn) WriteClear(ctx context.Context, streamSid string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.writeJSONLocked(ctx, outboundClear{Event: "clear", StreamSid: streamSid}); err != nil {
		return fmt.Errorf("bridge: write clear: %w", err)
	}
	return nil
}

func (t *TelephonyConn) writeJSONLocked(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the telephony socket with the given code. Safe to call more
// than once; subsequent calls are no-ops at the transport level.
func (t *TelephonyConn) Close(code websocket.StatusCode, reason string) {
	_ = t.conn.Close(code, reason)
}
