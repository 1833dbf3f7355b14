package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/sonorlabs/switchboard/internal/observe"
)

// Listener accepts telephony media-stream WebSocket upgrades and runs one
// Call per stream. It tracks live calls so shutdown can wait for them.
type Listener struct {
	cfg    CallConfig
	logger *slog.Logger

	mu      sync.Mutex
	calls   map[string]*Call
	wg      sync.WaitGroup
	closed  bool
	baseCtx context.Context
}

// NewListener builds a Listener. The context bounds every call it accepts;
// cancelling it begins draining.
func NewListener(ctx context.Context, cfg CallConfig) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Listener{
		cfg:     cfg,
		logger:  cfg.Logger,
		calls:   make(map[string]*Call),
		baseCtx: ctx,
	}
}

// Register mounts the media-stream endpoint on mux under both paths the
// telephony provider may be configured with.
func (l *Listener) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", l.handleUpgrade)
	mux.HandleFunc("GET /media-stream", l.handleUpgrade)
}

// handleUpgrade authenticates the query token, upgrades, and runs the call.
// A token supplied in the query that does not match is rejected before the
// upgrade; an absent query token defers auth to the stream's start event.
func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	queryToken := r.URL.Query().Get("token")
	queryAuthed := false
	if l.cfg.AuthToken != "" && queryToken != "" {
		if queryToken != l.cfg.AuthToken {
			l.cfg.Metrics.AuthRejections.Add(r.Context(), 1)
			l.logger.Warn("upgrade rejected: token mismatch in query",
				"remote", r.RemoteAddr,
				"path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		queryAuthed = true
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Telephony providers connect from their own infrastructure, not
		// browsers, so origin checking is meaningless here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	cfg := l.cfg
	cfg.QueryAuthed = queryAuthed
	call := NewCall(cfg, conn)

	if !l.track(call) {
		// Shutting down; refuse the stream.
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	l.logger.Info("media stream accepted",
		"call_id", call.ID(),
		"remote", r.RemoteAddr,
		"path", r.URL.Path,
	)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.untrack(call.ID())
		if err := call.Run(l.baseCtx); err != nil {
			l.logger.Error("call ended with error", "call_id", call.ID(), "err", err)
		}
	}()
}

func (l *Listener) track(c *Call) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.calls[c.ID()] = c
	return true
}

func (l *Listener) untrack(id string) {
	l.mu.Lock()
	delete(l.calls, id)
	l.mu.Unlock()
}

// ActiveCalls returns the number of calls currently bridged.
func (l *Listener) ActiveCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// Drain stops accepting new streams and waits for live calls to finish, up
// to the context deadline. Calls still running at the deadline are left to
// the base context cancellation.
func (l *Listener) Drain(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
