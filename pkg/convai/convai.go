// Package convai implements the client side of the agent provider's
// conversational WebSocket protocol.
//
// A Provider opens one Session per telephone call. Connection follows an
// ordered fallback list: first a short-lived signed WebSocket URL is fetched
// over HTTPS, and if that fails for any reason the direct WSS endpoint is
// dialled with the API key in a header. Inbound JSON records are classified
// by their "type" tag and surfaced on channels; unknown tags are logged and
// dropped, never fatal. Keepalive pings are answered internally.
package convai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/sonorlabs/switchboard/pkg/audio"
)

const (
	defaultSignedURLEndpoint = "https://api.elevenlabs.io/v1/convai/conversation/get_signed_url"
	defaultWSEndpoint        = "wss://api.elevenlabs.io/v1/convai/conversation"

	defaultSignedURLTimeout = 3 * time.Second
	defaultMetadataFallback = time.Second
	defaultAudioBuf         = 64
	defaultInterruptBuf     = 4
)

// nudgeSchedule is when the session prods an agent that has not yet spoken.
// The final entry sends a conversation_start control instead of a message.
var nudgeSchedule = []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}

// ── State ──────────────────────────────────────────────────────────────────────

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateReady
	StateClosed
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithSignedURLEndpoint overrides the HTTPS endpoint that issues signed
// WebSocket URLs. Primarily used in tests to point at a local mock server.
func WithSignedURLEndpoint(u string) Option {
	return func(p *Provider) { p.signedURLEndpoint = u }
}

// WithEndpoint overrides the direct WSS endpoint.
func WithEndpoint(u string) Option {
	return func(p *Provider) { p.wsEndpoint = u }
}

// WithHTTPClient replaces the HTTP client used for the signed-URL request.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithSignedURLTimeout bounds the signed-URL HTTP request. On timeout the
// provider falls back to the direct WSS endpoint.
func WithSignedURLTimeout(d time.Duration) Option {
	return func(p *Provider) { p.signedURLTimeout = d }
}

// WithMetadataFallback sets how long a session waits for the provider's
// conversation metadata before optimistically assuming μ-law both ways.
func WithMetadataFallback(d time.Duration) Option {
	return func(p *Provider) { p.metadataFallback = d }
}

// WithNudgeSchedule overrides the nudge timer schedule. Useful in tests.
func WithNudgeSchedule(ds []time.Duration) Option {
	return func(p *Provider) { p.nudges = ds }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider opens agent sessions. Safe for concurrent use; one Provider is
// shared by all calls in the process.
type Provider struct {
	apiKey            string
	signedURLEndpoint string
	wsEndpoint        string
	httpClient        *http.Client
	signedURLTimeout  time.Duration
	metadataFallback  time.Duration
	nudges            []time.Duration
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:            apiKey,
		signedURLEndpoint: defaultSignedURLEndpoint,
		wsEndpoint:        defaultWSEndpoint,
		httpClient:        &http.Client{},
		signedURLTimeout:  defaultSignedURLTimeout,
		metadataFallback:  defaultMetadataFallback,
		nudges:            nudgeSchedule,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SessionConfig is the initial configuration for a new agent session.
type SessionConfig struct {
	// AgentID selects the agent the provider should run for this call.
	AgentID string

	// DynamicVariables are passed verbatim in the initiation record
	// (caller phone, mode, session id, optional profile object).
	DynamicVariables map[string]any
}

// Metadata is the provider's declaration of negotiated audio formats.
type Metadata struct {
	InputFormat  audio.Format
	OutputFormat audio.Format

	// Optimistic is true when the fallback timer fired before real metadata
	// arrived and both formats were assumed.
	Optimistic bool
}

// defaultMetadata is assumed when the provider variant omits the metadata event.
var defaultMetadata = Metadata{
	InputFormat:  audio.FormatULaw8000,
	OutputFormat: audio.FormatULaw8000,
	Optimistic:   true,
}

// Connect establishes a new agent session. The signed-URL transport is tried
// first; on any failure (non-2xx, network error, malformed body, dial error)
// the direct WSS endpoint is dialled once with the API key header. The
// returned Session is in StateOpen with the initiation record already sent.
func (p *Provider) Connect(ctx context.Context, cfg SessionConfig) (*Session, error) {
	conn, viaSigned, err := p.dial(ctx, cfg.AgentID)
	if err != nil {
		return nil, err
	}

	sess := p.newSession(conn, viaSigned)
	if err := sess.sendInitiation(cfg); err != nil {
		sess.abort()
		if !viaSigned {
			return nil, fmt.Errorf("convai: initiation: %w", err)
		}
		// The signed transport died during the handshake window: one retry
		// on the direct transport.
		conn, err = p.dialDirect(ctx, cfg.AgentID)
		if err != nil {
			return nil, err
		}
		sess = p.newSession(conn, false)
		if err := sess.sendInitiation(cfg); err != nil {
			sess.abort()
			return nil, fmt.Errorf("convai: initiation: %w", err)
		}
	}

	sess.state.Store(int32(StateOpen))
	sess.armTimers()
	go sess.receiveLoop()
	return sess, nil
}

// dial resolves the connection transport: signed URL first, direct fallback.
func (p *Provider) dial(ctx context.Context, agentID string) (conn *websocket.Conn, viaSigned bool, err error) {
	signedURL, err := p.fetchSignedURL(ctx, agentID)
	if err == nil {
		conn, _, dialErr := websocket.Dial(ctx, signedURL, nil)
		if dialErr == nil {
			return conn, true, nil
		}
		slog.Warn("signed transport dial failed, falling back to direct", "err", dialErr)
	} else {
		slog.Warn("signed URL unavailable, falling back to direct", "err", err)
	}

	conn, err = p.dialDirect(ctx, agentID)
	if err != nil {
		return nil, false, err
	}
	return conn, false, nil
}

func (p *Provider) dialDirect(ctx context.Context, agentID string) (*websocket.Conn, error) {
	u := fmt.Sprintf("%s?agent_id=%s", p.wsEndpoint, url.QueryEscape(agentID))
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": []string{p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("convai: dial direct: %w", err)
	}
	return conn, nil
}

// fetchSignedURL requests a short-lived pre-authenticated WSS URL.
func (p *Provider) fetchSignedURL(ctx context.Context, agentID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.signedURLTimeout)
	defer cancel()

	u := fmt.Sprintf("%s?agent_id=%s", p.signedURLEndpoint, url.QueryEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("convai: signed url request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("convai: signed url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("convai: signed url: status %d", resp.StatusCode)
	}

	var body struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("convai: signed url decode: %w", err)
	}
	if body.SignedURL == "" {
		return "", fmt.Errorf("convai: signed url: empty signed_url in response")
	}
	return body.SignedURL, nil
}

func (p *Provider) newSession(conn *websocket.Conn, viaSigned bool) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:             conn,
		viaSigned:        viaSigned,
		audioCh:          make(chan []byte, defaultAudioBuf),
		interruptCh:      make(chan struct{}, defaultInterruptBuf),
		metaCh:           make(chan Metadata, 1),
		metadataFallback: p.metadataFallback,
		nudges:           p.nudges,
		ctx:              ctx,
		cancel:           cancel,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type initiationMessage struct {
	Type string         `json:"type"`
	Data initiationData `json:"conversation_initiation_client_data"`
}

type initiationData struct {
	DynamicVariables map[string]any `json:"dynamic_variables"`
}

type audioChunkMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type controlMessage struct {
	Type string `json:"type"`
}

type userMessage struct {
	Type string          `json:"type"`
	Body userMessageBody `json:"user_message"`
}

type userMessageBody struct {
	Message string `json:"message"`
}

type pongMessage struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverEvent covers every inbound record shape the session understands.
// Audio arrives under several possible field names across provider variants;
// extractAudio probes them in order.
type serverEvent struct {
	Type string `json:"type"`

	// conversation_initiation_metadata; the format fields appear either at
	// the top level or nested under the event object.
	MetadataEvent          *metadataEvent `json:"conversation_initiation_metadata_event,omitempty"`
	UserInputAudioFormat   string         `json:"user_input_audio_format,omitempty"`
	AgentOutputAudioFormat string         `json:"agent_output_audio_format,omitempty"`

	// audio variants
	Audio      json.RawMessage `json:"audio,omitempty"`
	AudioEvent *audioEvent     `json:"audio_event,omitempty"`
	TTS        *audioEvent     `json:"tts,omitempty"`
	Response   *audioEvent     `json:"response,omitempty"`
	Chunk      string          `json:"chunk,omitempty"`

	// ping
	PingEvent *pingEvent `json:"ping_event,omitempty"`

	// diagnostics
	UserTranscript *transcriptEvent `json:"user_transcription_event,omitempty"`
	AgentResponse  *responseEvent   `json:"agent_response_event,omitempty"`

	// error record or error field on any record
	Error json.RawMessage `json:"error,omitempty"`
}

type metadataEvent struct {
	UserInputAudioFormat   string `json:"user_input_audio_format"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format"`
}

type audioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	Audio       string `json:"audio"`
	Chunk       string `json:"chunk"`
}

type pingEvent struct {
	EventID json.RawMessage `json:"event_id"`
}

type transcriptEvent struct {
	UserTranscript string `json:"user_transcript"`
}

type responseEvent struct {
	AgentResponse string `json:"agent_response"`
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one open agent conversation. All Send methods serialise writes
// on an internal mutex and are safe for concurrent use. The receive loop owns
// the Audio, Interruptions and Metadata channels and closes them on exit.
type Session struct {
	conn      *websocket.Conn
	viaSigned bool

	writeMu sync.Mutex
	state   atomic.Int32

	audioCh     chan []byte
	interruptCh chan struct{}
	metaCh      chan Metadata

	metadataFallback time.Duration
	nudges           []time.Duration

	// agentSpoken flips once on the first agent audio record; it cancels the
	// nudge timers and is read by the orchestrator for turn cooldown.
	agentSpoken atomic.Bool
	metaSeen    atomic.Bool

	timerMu     sync.Mutex
	fallbackT   *time.Timer
	nudgeTimers []*time.Timer

	mu     sync.Mutex
	errVal error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendInitiation sends the conversation_initiation_client_data record. No
// voice or prompt overrides are included: the agent's own configuration rules.
func (s *Session) sendInitiation(cfg SessionConfig) error {
	vars := cfg.DynamicVariables
	if vars == nil {
		vars = map[string]any{}
	}
	return s.writeJSON(initiationMessage{
		Type: "conversation_initiation_client_data",
		Data: initiationData{DynamicVariables: vars},
	})
}

// armTimers starts the metadata fallback and nudge timers. Called once when
// the session transitions to open.
func (s *Session) armTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	s.fallbackT = time.AfterFunc(s.metadataFallback, s.onMetadataFallback)

	for i, d := range s.nudges {
		last := i == len(s.nudges)-1
		s.nudgeTimers = append(s.nudgeTimers, time.AfterFunc(d, func() {
			s.fireNudge(last)
		}))
	}
}

// onMetadataFallback forces the ready state optimistically when the provider
// variant never sends conversation metadata.
func (s *Session) onMetadataFallback() {
	if s.metaSeen.Swap(true) {
		return
	}
	slog.Debug("no conversation metadata within fallback window, assuming ulaw_8000")
	s.deliverMetadata(defaultMetadata)
}

// fireNudge sends a short synthetic message if the agent has not yet spoken.
func (s *Session) fireNudge(conversationStart bool) {
	if s.agentSpoken.Load() || s.State() >= StateClosed {
		return
	}
	var err error
	if conversationStart {
		err = s.writeJSON(controlMessage{Type: "conversation_start"})
	} else {
		err = s.writeJSON(userMessage{Type: "user_message", Body: userMessageBody{Message: "Hello"}})
	}
	if err != nil {
		slog.Debug("nudge write failed", "err", err)
	}
}

// cancelTimers stops the metadata fallback and all nudge timers.
func (s *Session) cancelTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.fallbackT != nil {
		s.fallbackT.Stop()
	}
	for _, t := range s.nudgeTimers {
		t.Stop()
	}
}

// cancelNudges stops only the nudge timers (first agent audio arrived).
func (s *Session) cancelNudges() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	for _, t := range s.nudgeTimers {
		t.Stop()
	}
}

// writeJSON marshals v and writes it as a text frame. Writes are serialised.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("convai: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads records from the WebSocket and dispatches them. It owns
// the outbound channels and closes them when it exits.
func (s *Session) receiveLoop() {
	defer s.closeChannels()
	defer s.cancelTimers()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.state.CompareAndSwap(int32(StateReady), int32(StateClosed))
				s.state.CompareAndSwap(int32(StateOpen), int32(StateClosed))
				return
			}
			s.fail(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("invalid agent record, skipping", "err", err)
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *Session) handleServerEvent(evt *serverEvent) {
	// An error field on any record terminates the call.
	if len(evt.Error) > 0 || evt.Type == "error" {
		s.fail(fmt.Errorf("convai: agent error: %s", string(evt.Error)))
		return
	}

	switch evt.Type {
	case "conversation_initiation_metadata":
		s.handleMetadata(evt)

	case "ping":
		var id json.RawMessage
		if evt.PingEvent != nil {
			id = evt.PingEvent.EventID
		}
		if err := s.writeJSON(pongMessage{Type: "pong", EventID: id}); err != nil {
			slog.Debug("pong write failed", "err", err)
		}

	case "interruption":
		select {
		case s.interruptCh <- struct{}{}:
		default:
		}

	case "user_transcript":
		if evt.UserTranscript != nil {
			slog.Debug("user transcript", "text", evt.UserTranscript.UserTranscript)
		}

	case "agent_response":
		if evt.AgentResponse != nil {
			slog.Debug("agent response", "text", evt.AgentResponse.AgentResponse)
		}

	default:
		if payload, ok := extractAudio(evt); ok {
			s.handleAudio(payload)
			return
		}
		slog.Debug("unhandled agent record", "type", evt.Type)
	}
}

func (s *Session) handleMetadata(evt *serverEvent) {
	inTag, outTag := evt.UserInputAudioFormat, evt.AgentOutputAudioFormat
	if evt.MetadataEvent != nil {
		if evt.MetadataEvent.UserInputAudioFormat != "" {
			inTag = evt.MetadataEvent.UserInputAudioFormat
		}
		if evt.MetadataEvent.AgentOutputAudioFormat != "" {
			outTag = evt.MetadataEvent.AgentOutputAudioFormat
		}
	}
	if s.metaSeen.Swap(true) {
		return
	}
	s.timerMu.Lock()
	if s.fallbackT != nil {
		s.fallbackT.Stop()
	}
	s.timerMu.Unlock()

	s.deliverMetadata(Metadata{
		InputFormat:  audio.ParseFormat(inTag),
		OutputFormat: audio.ParseFormat(outTag),
	})
}

func (s *Session) deliverMetadata(m Metadata) {
	s.state.CompareAndSwap(int32(StateOpen), int32(StateReady))
	select {
	case s.metaCh <- m:
	default:
	}
}

func (s *Session) handleAudio(b64 string) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) == 0 {
		return
	}
	if !s.agentSpoken.Swap(true) {
		s.cancelNudges()
	}
	select {
	case s.audioCh <- raw:
	case <-s.ctx.Done():
	}
}

// extractAudio probes the known audio field paths in order and returns the
// base64 payload if any is present.
func extractAudio(evt *serverEvent) (string, bool) {
	if e := evt.AudioEvent; e != nil {
		if e.AudioBase64 != "" {
			return e.AudioBase64, true
		}
		if e.Audio != "" {
			return e.Audio, true
		}
	}
	if len(evt.Audio) > 0 {
		// "audio" is either a direct base64 string or an object.
		var direct string
		if err := json.Unmarshal(evt.Audio, &direct); err == nil && direct != "" {
			return direct, true
		}
		var nested audioEvent
		if err := json.Unmarshal(evt.Audio, &nested); err == nil {
			if nested.AudioBase64 != "" {
				return nested.AudioBase64, true
			}
			if nested.Chunk != "" {
				return nested.Chunk, true
			}
		}
	}
	for _, e := range []*audioEvent{evt.TTS, evt.Response} {
		if e == nil {
			continue
		}
		if e.AudioBase64 != "" {
			return e.AudioBase64, true
		}
		if e.Audio != "" {
			return e.Audio, true
		}
		if e.Chunk != "" {
			return e.Chunk, true
		}
	}
	if evt.Chunk != "" {
		return evt.Chunk, true
	}
	return "", false
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.state.Store(int32(StateFailed))
	s.cancel()
	s.conn.Close(websocket.StatusInternalError, "agent session failed")
}

// abort tears down a half-open session during connect.
func (s *Session) abort() {
	s.cancel()
	s.conn.Close(websocket.StatusInternalError, "handshake failed")
}

func (s *Session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.interruptCh)
		close(s.metaCh)
	})
}

// ── Session API ────────────────────────────────────────────────────────────────

// SendAudio delivers one caller audio payload (already in the agent's input
// format) as a user_audio_chunk record.
func (s *Session) SendAudio(chunk []byte) error {
	if st := s.State(); st != StateOpen && st != StateReady {
		return fmt.Errorf("convai: session %s", st)
	}
	return s.writeJSON(audioChunkMessage{
		UserAudioChunk: base64.StdEncoding.EncodeToString(chunk),
	})
}

// SendTurnStart signals the start of a caller utterance.
func (s *Session) SendTurnStart() error {
	return s.writeJSON(controlMessage{Type: "user_audio_start"})
}

// SendTurnEnd signals the end of a caller utterance.
func (s *Session) SendTurnEnd() error {
	return s.writeJSON(controlMessage{Type: "user_audio_end"})
}

// SendActivity signals caller barge-in while the agent is speaking.
func (s *Session) SendActivity() error {
	return s.writeJSON(controlMessage{Type: "user_activity"})
}

// SendUserMessage sends a short textual message on the caller's behalf.
func (s *Session) SendUserMessage(text string) error {
	return s.writeJSON(userMessage{Type: "user_message", Body: userMessageBody{Message: text}})
}

// Audio returns the channel of decoded agent audio payloads, in the agent's
// output format. Closed when the session ends.
func (s *Session) Audio() <-chan []byte { return s.audioCh }

// Interruptions returns the channel signalling agent-side barge-in handling:
// each receive means the telephony playout buffer should be cleared.
func (s *Session) Interruptions() <-chan struct{} { return s.interruptCh }

// Metadata returns a one-shot channel carrying the negotiated audio formats,
// real or optimistic. Closed when the session ends.
func (s *Session) Metadata() <-chan Metadata { return s.metaCh }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// AgentHasSpoken reports whether any agent audio has arrived yet.
func (s *Session) AgentHasSpoken() bool { return s.agentSpoken.Load() }

// ViaSignedURL reports which transport the session ended up on.
func (s *Session) ViaSignedURL() bool { return s.viaSigned }

// Err returns the error that terminated the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Done is closed when the session has terminated for any reason.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Close terminates the session with a normal close code. Idempotent.
func (s *Session) Close() error {
	if State(s.state.Load()) < StateClosed {
		s.state.Store(int32(StateClosed))
	}
	s.cancelTimers()
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "call ended")
	return nil
}
