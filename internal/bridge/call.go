package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sonorlabs/switchboard/internal/config"
	"github.com/sonorlabs/switchboard/internal/observe"
	"github.com/sonorlabs/switchboard/pkg/audio"
	"github.com/sonorlabs/switchboard/pkg/convai"
)

const (
	// processingNudgeText is sent shortly after a caller turn ends so the
	// agent commits to a response instead of waiting for more audio.
	processingNudgeText = "(The caller has stopped speaking and is waiting for a reply.)"

	// processingNudgeDelay is how long after user_audio_end the processing
	// nudge fires.
	processingNudgeDelay = 250 * time.Millisecond

	// callEndedText is the terminal message sent to the agent on stream stop.
	callEndedText = "(Call ended)"

	// profileLookupTimeout bounds the optional caller profile query during
	// agent connect.
	profileLookupTimeout = time.Second

	// maxConsecutiveWriteFailures terminates the call once the telephony
	// socket persistently refuses frames. Individual failures only drop the
	// affected frame.
	maxConsecutiveWriteFailures = 5

	// defaultLogSampleRate logs every Nth outbound frame at debug level.
	defaultLogSampleRate = 50
)

// ProfileLookup resolves stored caller profiles by phone number. A nil map
// with a nil error means the caller is unknown.
type ProfileLookup interface {
	Lookup(ctx context.Context, phone string) (map[string]any, error)
}

// CallConfig carries the process-wide dependencies a Call needs. One value
// is shared by all calls; everything here is immutable after startup.
type CallConfig struct {
	// Provider opens agent sessions.
	Provider *convai.Provider

	// Agents maps call modes to agent IDs.
	Agents config.AgentsConfig

	// AuthToken, when non-empty, must match the token custom parameter in
	// the start event (unless the upgrade query already carried it).
	AuthToken string

	// Tunables holds the timing knobs.
	Tunables config.TunablesConfig

	// Profiles is the optional caller profile store. Nil disables lookup.
	Profiles ProfileLookup

	// Metrics receives call instrumentation. Nil falls back to the
	// process-wide default.
	Metrics *observe.Metrics

	// Logger is the base logger. Nil falls back to slog.Default.
	Logger *slog.Logger

	// LogSampleRate logs every Nth outbound frame. Zero means the default.
	LogSampleRate int

	// QueryAuthed marks that the upgrade query already carried a matching
	// token, so the start event does not need to repeat it.
	QueryAuthed bool
}

// startInfo is what the telephony start event contributes to agent connect.
type startInfo struct {
	agentID    string
	mode       config.CallMode
	phone      string
	profileB64 string
}

// Call bridges one telephone call. It owns both sockets, the pacer, the
// turn controller, the upstream buffer, and every timer; cleanup cancels all
// of them on any exit path.
type Call struct {
	id     string
	cfg    CallConfig
	logger *slog.Logger

	tel    *TelephonyConn
	pacer  *Pacer
	turns  *TurnController
	buffer *UpstreamBuffer

	mu          sync.Mutex
	sess        *convai.Session
	streamSid   string
	mode        config.CallMode
	callerPhone string
	inFormat    audio.Format
	outFormat   audio.Format
	nudgeTimer  *time.Timer

	totalInbound        atomic.Int64
	totalOutboundFrames atomic.Int64

	startedAt   time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	cleanupOnce sync.Once
}

// NewCall wraps an accepted telephony WebSocket into a Call. Run must be
// called to start bridging.
func NewCall(cfg CallConfig, conn *websocket.Conn) *Call {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LogSampleRate <= 0 {
		cfg.LogSampleRate = defaultLogSampleRate
	}

	c := &Call{
		id:        uuid.NewString(),
		cfg:       cfg,
		pacer:     NewPacer(),
		buffer:    NewUpstreamBuffer(cfg.Tunables.PacketInterval()),
		inFormat:  audio.FormatULaw8000,
		outFormat: audio.FormatULaw8000,
	}
	c.logger = cfg.Logger.With("call_id", c.id)
	c.tel = NewTelephonyConn(conn, c.logger)
	c.turns = NewTurnController(
		cfg.Tunables.SilenceHangover(),
		cfg.Tunables.MaxUtterance(),
		cfg.Tunables.TurnCooldown(),
		TurnHooks{
			OnTurnStart: c.onTurnStart,
			OnTurnEnd:   c.onTurnEnd,
			OnActivity:  c.onActivity,
		},
	)
	return c
}

// ID returns the stable session id of this call.
func (c *Call) ID() string { return c.id }

// Run bridges until either side terminates. It blocks; the caller runs one
// goroutine per accepted stream.
func (c *Call) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.ctx = ctx
	c.cancel = cancel
	c.startedAt = time.Now()

	c.cfg.Metrics.ActiveCalls.Add(ctx, 1)
	defer c.cleanup()

	startCh := make(chan startInfo, 1)
	sessCh := make(chan *convai.Session, 1)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readTelephony(ctx, startCh) })
	g.Go(func() error { return c.connectAgent(ctx, startCh, sessCh) })
	g.Go(func() error { return c.pumpAgent(ctx, sessCh) })
	g.Go(func() error { return c.pollUpstream(ctx) })

	return g.Wait()
}

// ── Telephony side ─────────────────────────────────────────────────────────────

// readTelephony is the single reader of the telephony socket. It dispatches
// control events and feeds media frames into the turn controller and the
// upstream buffer.
func (c *Call) readTelephony(ctx context.Context, startCh chan<- startInfo) error {
	// This reader finishing ends the call even on a clean nil return; the
	// cancel unblocks the other goroutines so Run can get to cleanup.
	defer c.cancel()
	for {
		evt, err := c.tel.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Any telephony close terminates the call; the agent socket is
			// closed with a normal code in cleanup.
			c.logger.Info("telephony stream closed", "err", err)
			return nil
		}

		switch evt.Event {
		case "connected":
			// Informational only.

		case "start":
			if err := c.handleStart(evt, startCh); err != nil {
				return err
			}

		case "media":
			c.handleMedia(evt)

		case "mark":
			if evt.Mark != nil {
				c.logger.Debug("mark acknowledged", "name", evt.Mark.Name)
			}

		case "stop":
			c.handleStop()
			return nil

		default:
			c.logger.Debug("unhandled telephony event", "event", evt.Event)
		}
	}
}

// handleStart authenticates the stream, selects the agent, and hands the
// connect parameters to the agent connector.
func (c *Call) handleStart(evt *telephonyEvent, startCh chan<- startInfo) error {
	if evt.Start == nil {
		return fmt.Errorf("bridge: start event without start body")
	}
	params := evt.Start.CustomParameters

	if c.cfg.AuthToken != "" && !c.cfg.QueryAuthed && params["token"] != c.cfg.AuthToken {
		c.cfg.Metrics.AuthRejections.Add(c.ctx, 1)
		c.logger.Warn("stream rejected: token mismatch in start event")
		c.tel.Close(closePolicyViolation, "authentication failed")
		return fmt.Errorf("bridge: start event failed token auth")
	}

	streamSid := evt.Start.StreamSid
	if streamSid == "" {
		streamSid = evt.StreamSid
	}

	mode := config.CallMode(params["mode"])
	if !mode.IsValid() {
		mode = config.ModeDaily
	}
	agentID := params["agent_id"]
	if agentID == "" {
		agentID = c.cfg.Agents.ForMode(mode)
	}

	c.mu.Lock()
	c.streamSid = streamSid
	c.mode = mode
	c.callerPhone = params["caller_phone"]
	c.mu.Unlock()

	c.logger.Info("stream started",
		"stream_sid", streamSid,
		"mode", mode,
		"agent_id", agentID,
		"caller_phone", params["caller_phone"],
	)

	startCh <- startInfo{
		agentID:    agentID,
		mode:       mode,
		phone:      params["caller_phone"],
		profileB64: params["profile_b64"],
	}
	return nil
}

// handleMedia feeds one caller frame into the turn controller and the
// upstream buffer. Frames for tracks other than inbound are dropped.
func (c *Call) handleMedia(evt *telephonyEvent) {
	if evt.Media == nil {
		return
	}
	if evt.Media.Track != "" && evt.Media.Track != "inbound" {
		return
	}
	frame, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
	if err != nil || len(frame) == 0 {
		c.logger.Debug("undecodable media payload, skipping", "err", err)
		return
	}

	c.totalInbound.Add(1)
	c.cfg.Metrics.InboundFrames.Add(c.ctx, 1)

	c.turns.OnCallerFrame(c.sessionOpen())
	if full := c.buffer.Append(frame); full {
		c.flushUpstream(false)
	}
}

// handleStop performs the ordered shutdown the protocol requires: flush the
// remaining caller audio and close the turn before either socket closes.
func (c *Call) handleStop() {
	c.logger.Info("stream stop received")

	if c.turns.Speaking() {
		c.turns.ForceEnd()
	} else {
		c.flushUpstream(true)
		c.sendTurnEnd()
	}

	if sess := c.session(); sess != nil {
		if err := sess.SendUserMessage(callEndedText); err != nil {
			c.logger.Debug("terminal message failed", "err", err)
		}
		_ = sess.Close()
	}
	c.tel.Close(websocket.StatusNormalClosure, "stream stopped")
}

// ── Agent side ─────────────────────────────────────────────────────────────────

// connectAgent waits for the start event, then opens the agent session with
// the call's dynamic variables. A connect failure closes the telephony side
// with an internal-error code and terminates the call.
func (c *Call) connectAgent(ctx context.Context, startCh <-chan startInfo, sessCh chan<- *convai.Session) error {
	var info startInfo
	select {
	case info = <-startCh:
	case <-ctx.Done():
		close(sessCh)
		return nil
	}

	began := time.Now()
	sess, err := c.cfg.Provider.Connect(ctx, convai.SessionConfig{
		AgentID:          info.agentID,
		DynamicVariables: c.dynamicVariables(ctx, info),
	})
	if err != nil {
		close(sessCh)
		c.cfg.Metrics.RecordConnect(ctx, time.Since(began).Seconds(), "direct", "error")
		c.logger.Error("agent connect failed", "agent_id", info.agentID, "err", err)
		c.tel.Close(closeInternalError, "agent unavailable")
		return fmt.Errorf("bridge: connect agent: %w", err)
	}

	transport := "signed"
	if !sess.ViaSignedURL() {
		transport = "direct"
		c.cfg.Metrics.TransportFallbacks.Add(ctx, 1)
	}
	c.cfg.Metrics.RecordConnect(ctx, time.Since(began).Seconds(), transport, "ok")
	c.logger.Info("agent session open", "agent_id", info.agentID, "transport", transport)

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	sessCh <- sess
	return nil
}

// dynamicVariables assembles the initiation payload: caller identity, mode,
// session id, and the optional profile (inline base64 from the start event,
// or looked up in the profile store).
func (c *Call) dynamicVariables(ctx context.Context, info startInfo) map[string]any {
	vars := map[string]any{
		"caller_phone": info.phone,
		"mode":         string(info.mode),
		"session_id":   c.id,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}

	if info.profileB64 != "" {
		if profile := decodeProfile(info.profileB64); profile != nil {
			vars["profile"] = profile
			return vars
		}
		c.logger.Warn("undecodable profile_b64 parameter, falling back to store lookup")
	}

	if c.cfg.Profiles != nil && info.phone != "" {
		lookupCtx, cancel := context.WithTimeout(ctx, profileLookupTimeout)
		defer cancel()
		profile, err := c.cfg.Profiles.Lookup(lookupCtx, info.phone)
		switch {
		case err != nil:
			c.logger.Warn("profile lookup failed", "err", err)
		case profile != nil:
			vars["profile"] = profile
		}
	}
	return vars
}

// decodeProfile parses a base64 JSON object, returning nil on any failure.
func decodeProfile(b64 string) map[string]any {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	var profile map[string]any
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil
	}
	return profile
}

// pumpAgent is the single consumer of the agent session's channels. It paces
// agent audio out to telephony, forwards barge-in clears, and applies the
// negotiated formats.
func (c *Call) pumpAgent(ctx context.Context, sessCh <-chan *convai.Session) error {
	var sess *convai.Session
	select {
	case s, ok := <-sessCh:
		if !ok {
			return nil // connect failed; connectAgent reported it
		}
		sess = s
	case <-ctx.Done():
		return nil
	}
	// The agent session ending ends the call, graceful or not.
	defer c.cancel()

	metaCh := sess.Metadata()
	interruptCh := sess.Interruptions()

	writeFailures := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case meta, ok := <-metaCh:
			if !ok {
				metaCh = nil
				continue
			}
			c.applyMetadata(meta)

		case _, ok := <-interruptCh:
			if !ok {
				interruptCh = nil
				continue
			}
			c.forwardClear(ctx)

		case payload, ok := <-sess.Audio():
			if !ok {
				return c.agentClosed(ctx, sess)
			}
			if err := c.handleAgentAudio(ctx, payload); err != nil {
				writeFailures++
				c.logger.Warn("outbound frame dropped", "err", err, "consecutive", writeFailures)
				if writeFailures >= maxConsecutiveWriteFailures {
					return fmt.Errorf("bridge: telephony writes failing persistently: %w", err)
				}
				continue
			}
			writeFailures = 0
		}
	}
}

// applyMetadata installs the negotiated audio formats and force-flushes any
// audio buffered while the session was still negotiating.
func (c *Call) applyMetadata(meta convai.Metadata) {
	c.mu.Lock()
	c.inFormat = meta.InputFormat
	c.outFormat = meta.OutputFormat
	c.mu.Unlock()

	c.logger.Info("agent formats negotiated",
		"input", meta.InputFormat,
		"output", meta.OutputFormat,
		"optimistic", meta.Optimistic,
	)
	c.flushUpstream(true)
}

// forwardClear tells telephony to drop its playout buffer. Sent on every
// agent interruption; a clear against an empty buffer is a no-op line-side.
func (c *Call) forwardClear(ctx context.Context) {
	streamSid := c.currentStreamSid()
	if streamSid == "" {
		return
	}
	if err := c.tel.WriteClear(ctx, streamSid); err != nil {
		c.logger.Warn("clear not delivered", "err", err)
	}
	c.logger.Debug("interruption forwarded as clear")
}

// handleAgentAudio transcodes one agent payload to line μ-law and paces the
// resulting 20 ms frames out to telephony.
func (c *Call) handleAgentAudio(ctx context.Context, payload []byte) error {
	c.turns.OnAgentAudio()

	c.mu.Lock()
	outFormat := c.outFormat
	streamSid := c.streamSid
	c.mu.Unlock()
	if streamSid == "" {
		// No start event yet; agent audio cannot be addressed to a stream.
		c.logger.Debug("agent audio before stream start, dropping", "bytes", len(payload))
		return nil
	}

	ulaw := audio.FormatToULaw(payload, outFormat)
	for _, frame := range c.pacer.Push(ulaw) {
		if err := c.tel.WriteFrame(ctx, streamSid, frame); err != nil {
			return err
		}
		c.totalOutboundFrames.Add(1)
		c.cfg.Metrics.OutboundFrames.Add(ctx, 1)
		if frame.Seq%uint64(c.cfg.LogSampleRate) == 1 {
			c.logger.Debug("outbound frame",
				"seq", frame.Seq,
				"ts_ms", frame.TimestampMs,
			)
		}
	}
	return nil
}

// agentClosed maps the end of the agent session onto the call outcome. A
// graceful close first drains the pacer so the agent's last words reach the
// line.
func (c *Call) agentClosed(ctx context.Context, sess *convai.Session) error {
	if err := sess.Err(); err != nil {
		c.cfg.Metrics.AgentErrors.Add(context.Background(), 1)
		c.logger.Error("agent session failed", "err", err)
		c.tel.Close(closeInternalError, "agent session failed")
		return fmt.Errorf("bridge: agent session: %w", err)
	}
	c.flushPacer(ctx)
	c.logger.Info("agent session closed")
	return nil
}

// flushPacer pads and sends any sub-frame remainder the pacer is holding.
func (c *Call) flushPacer(ctx context.Context) {
	frame, ok := c.pacer.Flush()
	if !ok {
		return
	}
	streamSid := c.currentStreamSid()
	if streamSid == "" {
		return
	}
	if err := c.tel.WriteFrame(ctx, streamSid, frame); err != nil {
		c.logger.Debug("trailing frame not delivered", "err", err)
		return
	}
	c.totalOutboundFrames.Add(1)
	c.cfg.Metrics.OutboundFrames.Add(ctx, 1)
}

// ── Upstream flow ──────────────────────────────────────────────────────────────

// pollUpstream drains the buffer on a fixed cadence so packets are not stuck
// waiting for the next caller frame.
func (c *Call) pollUpstream(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Tunables.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.flushUpstream(false)
		}
	}
}

// flushUpstream forwards buffered caller audio to the agent. Audio is held
// back entirely until the session is at least open; a force flush drains
// everything regardless of packet size. Flushing an empty buffer sends
// nothing.
func (c *Call) flushUpstream(force bool) {
	c.mu.Lock()
	sess := c.sess
	inFormat := c.inFormat
	c.mu.Unlock()

	if sess == nil {
		return
	}
	if st := sess.State(); st != convai.StateOpen && st != convai.StateReady {
		return
	}

	var data []byte
	if force {
		data = c.buffer.TakeAll()
	} else {
		data = c.buffer.TakeIfFull()
	}
	if len(data) == 0 {
		return
	}

	if err := sess.SendAudio(audio.ULawToFormat(data, inFormat)); err != nil {
		c.logger.Warn("upstream packet not delivered", "bytes", len(data), "err", err)
		return
	}
	c.cfg.Metrics.UpstreamPackets.Add(c.ctx, 1)
}

// ── Turn hooks ─────────────────────────────────────────────────────────────────

func (c *Call) onTurnStart() {
	c.logger.Debug("caller turn started")
	if sess := c.session(); sess != nil {
		if err := sess.SendTurnStart(); err != nil {
			c.logger.Debug("turn start not delivered", "err", err)
		}
	}
}

func (c *Call) onTurnEnd(reason EndReason) {
	c.logger.Debug("caller turn ended", "reason", reason)
	c.cfg.Metrics.RecordTurn(c.ctx, string(reason))

	c.flushUpstream(true)
	c.sendTurnEnd()

	// A forced end comes from stream stop; there is nothing left to commit.
	if reason == EndForced {
		return
	}

	c.mu.Lock()
	c.nudgeTimer = time.AfterFunc(processingNudgeDelay, func() {
		if sess := c.session(); sess != nil {
			if err := sess.SendUserMessage(processingNudgeText); err != nil {
				c.logger.Debug("processing nudge not delivered", "err", err)
			}
		}
	})
	c.mu.Unlock()
}

func (c *Call) onActivity() {
	c.logger.Debug("caller activity during agent speech")
	if sess := c.session(); sess != nil {
		if err := sess.SendActivity(); err != nil {
			c.logger.Debug("activity not delivered", "err", err)
		}
	}
}

func (c *Call) sendTurnEnd() {
	if sess := c.session(); sess != nil {
		if err := sess.SendTurnEnd(); err != nil {
			c.logger.Debug("turn end not delivered", "err", err)
		}
	}
}

// ── Helpers & cleanup ──────────────────────────────────────────────────────────

func (c *Call) session() *convai.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Call) currentStreamSid() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSid
}

// sessionOpen reports whether audio may be written to the agent socket.
func (c *Call) sessionOpen() bool {
	sess := c.session()
	if sess == nil {
		return false
	}
	st := sess.State()
	return st == convai.StateOpen || st == convai.StateReady
}

// cleanup releases everything the call owns: timers, the turn controller,
// and both sockets. Safe on every exit path; runs exactly once.
func (c *Call) cleanup() {
	c.cleanupOnce.Do(func() {
		c.cancel()
		c.turns.Close()

		c.mu.Lock()
		if c.nudgeTimer != nil {
			c.nudgeTimer.Stop()
		}
		sess := c.sess
		c.mu.Unlock()

		if sess != nil {
			_ = sess.Close()
		}
		c.tel.Close(websocket.StatusNormalClosure, "call ended")

		duration := time.Since(c.startedAt)
		c.cfg.Metrics.ActiveCalls.Add(context.Background(), -1)
		c.cfg.Metrics.CallDuration.Record(context.Background(), duration.Seconds())

		c.logger.Info("call finished",
			"duration", duration.Round(time.Millisecond),
			"inbound_frames", c.totalInbound.Load(),
			"outbound_frames", c.totalOutboundFrames.Load(),
		)
	})
}
