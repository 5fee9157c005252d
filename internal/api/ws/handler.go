package ws

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/GriffinCanCode/skykernel/internal/domain/kernel"
	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"github.com/GriffinCanCode/skykernel/internal/shared/id"
	"github.com/GriffinCanCode/skykernel/internal/shared/mailbox"
	"github.com/GriffinCanCode/skykernel/internal/shared/origin"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dispatcher accepts envelopes from a connected caller. *kernel.Kernel
// implements it.
type Dispatcher interface {
	HandleMessage(c kernel.Caller, env protocol.Envelope) bool
}

// Recorder receives connection measurements. monitoring.Metrics
// implements it.
type Recorder interface {
	IncWSConnections()
	DecWSConnections()
	RecordWSMessage(direction string)
}

// Options configures the WebSocket handler
type Options struct {
	// AllowedOrigins limits which origins may connect. Empty allows all.
	AllowedOrigins  []string
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	// PingInterval is how often idle connections are probed. Zero disables
	// pings.
	PingInterval time.Duration
}

// DefaultOptions returns the settings used when none are configured
func DefaultOptions() Options {
	return Options{
		MaxMessageBytes: 4 << 20,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
	}
}

// Handler manages WebSocket connections
type Handler struct {
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger
	recorder   Recorder
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{} // Protected by mu
	closed bool               // Protected by mu
	wg     sync.WaitGroup
}

// NewHandler creates a new WebSocket handler
func NewHandler(dispatcher Dispatcher, opts Options, logger *zap.Logger) *Handler {
	d := DefaultOptions()
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = d.MaxMessageBytes
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = d.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handler{
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.Named("ws"),
		recorder:   nopRecorder{},
		conns:      make(map[*conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		Subprotocols: []string{protocol.SubprotocolJSON, protocol.SubprotocolCBOR},
		CheckOrigin:  h.checkOrigin,
	}
	return h
}

// WithRecorder adds metrics recording to the handler
func (h *Handler) WithRecorder(r Recorder) *Handler {
	if r != nil {
		h.recorder = r
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 || slices.Contains(h.opts.AllowedOrigins, "*") {
		return true
	}
	return origin.Allowed(h.opts.AllowedOrigins, r.Header.Get("Origin"))
}

// HandleConnection upgrades the request and serves the connection until
// the peer goes away.
func (h *Handler) HandleConnection(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	cn := newConn(ws, c.Request.Header.Get("Origin"), h.opts, h.logger, h.recorder)
	if !h.track(cn) {
		cn.shutdown(websocket.CloseGoingAway, "kernel shutting down")
		return
	}
	defer h.untrack(cn)

	h.recorder.IncWSConnections()
	defer h.recorder.DecWSConnections()

	h.logger.Info("Caller connected",
		zap.String("conn", cn.id.String()),
		zap.String("origin", cn.origin),
		zap.String("codec", cn.codec.Name()))
	cn.serve(h.dispatcher)
	h.logger.Info("Caller disconnected", zap.String("conn", cn.id.String()))
}

func (h *Handler) track(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.wg.Done()
}

// Connections returns the number of open connections
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close sends a going-away frame to every connection and waits for them
// to finish, or for ctx to end.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "kernel shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// conn is one connected caller. It implements kernel.Caller.
type conn struct {
	id       id.ConnectionID
	origin   string
	ws       *websocket.Conn
	codec    protocol.Codec
	opts     Options
	logger   *zap.Logger
	recorder Recorder

	out       *mailbox.Mailbox[protocol.Envelope]
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, origin string, opts Options, logger *zap.Logger, recorder Recorder) *conn {
	c := &conn{
		id:       id.NewConnectionID(),
		origin:   origin,
		ws:       ws,
		codec:    protocol.CodecFor(ws.Subprotocol()),
		opts:     opts,
		recorder: recorder,
		out:      mailbox.New[protocol.Envelope](),
	}
	c.logger = logger.With(zap.String("conn", c.id.String()))
	return c
}

// Origin implements kernel.Caller
func (c *conn) Origin() string { return c.origin }

// Deliver queues env for the writer. It returns false once the connection
// is gone.
func (c *conn) Deliver(env protocol.Envelope) bool {
	return c.out.Put(env)
}

func (c *conn) serve(d Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
	if c.opts.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pingLoop(ctx)
		}()
	}

	c.readLoop(d)
	c.out.Close()
	cancel()
	wg.Wait()
	c.ws.Close()
}

func (c *conn) readLoop(d Dispatcher) {
	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	if c.opts.PingInterval > 0 {
		deadline := 2 * c.opts.PingInterval
		c.ws.SetReadDeadline(time.Now().Add(deadline))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.recorder.RecordWSMessage("in")

		env, err := c.codec.Decode(frame)
		if err != nil {
			c.logger.Info("Dropping undecodable frame", zap.Error(err))
			c.Deliver(protocol.RespondErr("", err.Error()))
			continue
		}
		if !d.HandleMessage(c, env) {
			c.shutdown(websocket.CloseGoingAway, "kernel closed")
			return
		}
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	for {
		env, ok := c.out.Receive(ctx)
		if !ok {
			return
		}
		frame, err := c.codec.Encode(env)
		if err != nil {
			c.logger.Warn("Unable to encode envelope", zap.String("method", env.Method), zap.Error(err))
			continue
		}
		c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		if err := c.ws.WriteMessage(msgType, frame); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Info("WebSocket write error", zap.Error(err))
			}
			c.ws.Close()
			return
		}
		c.recorder.RecordWSMessage("out")
	}
}

func (c *conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// shutdown sends a close frame. The read loop then sees the peer's reply
// or the closed socket and tears the connection down.
func (c *conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			c.ws.Close()
		}
	})
}

type nopRecorder struct{}

func (nopRecorder) IncWSConnections()      {}
func (nopRecorder) DecWSConnections()      {}
func (nopRecorder) RecordWSMessage(string) {}
