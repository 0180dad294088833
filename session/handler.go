// Package session drives one bot's connection to a MUD server.
//
// Purpose: Run the connect, negotiate, authenticate and active lifecycle for a
// single identity.
// Key aspects: Each Run is one connection attempt with fresh state. The Run
// goroutine owns the socket read side, the decoder, the negotiation engine and
// the line buffer; a writer goroutine owns the write side.
// Upstream: supervisor.Supervisor.
// Downstream: telnet codec and engine, transcript sinks.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"mudbot/internal/ratelimit"
	"mudbot/registry"
	"mudbot/telnet"
	"mudbot/transcript"

	"github.com/google/uuid"
	ztelnet "github.com/ziutek/telnet"
)

// Transport backends.
const (
	TransportNative = "native"
	TransportZiutek = "ziutek"
)

// Settings is fixed for the lifetime of a Handler.
type Settings struct {
	ConnectTimeout time.Duration
	// AuthTimeout bounds the time from connect to the first line. Zero disables it.
	AuthTimeout time.Duration
	// IdleTimeout closes a connection that sends nothing for this long. Zero disables it.
	IdleTimeout       time.Duration
	MaxLineLength     int
	MaxSubnegotiation int
	LoginStyle        LoginStyle
	// PromptFlush turns a partial line followed by IAC GA or IAC EOR into a line.
	PromptFlush bool
	// Transport is TransportNative (built-in codec) or TransportZiutek, where
	// github.com/ziutek/telnet strips IAC sequences on the read side.
	Transport   string
	Negotiation telnet.EngineConfig
	// RequestOptions are asked of the server (IAC DO) as soon as the socket opens.
	RequestOptions   []byte
	WriteQueue       int
	WarnDedupeWindow time.Duration
	Debug            bool
}

// DefaultSettings returns the settings used when configuration omits them.
func DefaultSettings() Settings {
	return Settings{
		ConnectTimeout:    10 * time.Second,
		AuthTimeout:       30 * time.Second,
		MaxLineLength:     8192,
		MaxSubnegotiation: telnet.DefaultMaxSubnegotiation,
		LoginStyle:        LoginConnect,
		PromptFlush:       true,
		Transport:         TransportNative,
		Negotiation:       telnet.EngineConfig{Policy: telnet.DefaultPolicy()},
		WriteQueue:        64,
		WarnDedupeWindow:  time.Minute,
	}
}

// Dialer opens the transport. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Observer receives lifecycle events. Calls happen on the session goroutine
// and must not block.
type Observer interface {
	StateChanged(bot string, from, to State)
	LineReceived(bot string)
	FrameError(bot string)
	Anomaly(bot string)
}

type nopObserver struct{}

func (nopObserver) StateChanged(string, State, State) {}
func (nopObserver) LineReceived(string)               {}
func (nopObserver) FrameError(string)                 {}
func (nopObserver) Anomaly(string)                    {}

// Line is an assembled line handed to application logic after it was recorded.
type Line struct {
	Bot     string
	Session string
	Seq     uint64
	Text    string
	Prompt  bool
	At      time.Time
}

// Option customizes a Handler.
type Option func(*Handler)

// WithDialer replaces the default net.Dialer.
func WithDialer(d Dialer) Option {
	return func(h *Handler) {
		if d != nil {
			h.dialer = d
		}
	}
}

// WithSink sets the transcript sink. The default discards lines.
func WithSink(s transcript.Sink) Option {
	return func(h *Handler) {
		if s != nil {
			h.sink = s
		}
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(h *Handler) {
		if o != nil {
			h.observer = o
		}
	}
}

// WithLineHandler registers the application callback for every line. fn runs
// on the read goroutine after the line is logged, so no further input is read
// until it returns. It must not call Request: the reply could never be read and
// the session would deadlock. Hand the line to another goroutine instead.
func WithLineHandler(fn func(Line)) Option {
	return func(h *Handler) {
		h.deliver = fn
	}
}

// Handler runs sessions for one identity. Run may be called again after it
// returns; nothing from the previous connection is reused.
type Handler struct {
	id       registry.Identity
	settings Settings
	dialer   Dialer
	sink     transcript.Sink
	observer Observer
	deliver  func(Line)
	now      func() time.Time

	state   atomic.Int32
	running atomic.Bool

	reqMu  sync.Mutex // one outstanding Request
	mu     sync.Mutex // guards cur and waiter
	cur    *conn
	waiter chan string

	sinkWarn *ratelimit.Counter
	warn     *warnDeduper
}

// New builds a Handler for id.
func New(id registry.Identity, settings Settings, opts ...Option) *Handler {
	h := &Handler{
		id:       id,
		settings: settings,
		dialer:   &net.Dialer{},
		sink:     transcript.Discard,
		observer: nopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
		sinkWarn: ratelimit.NewCounter(time.Minute),
		warn:     newWarnDeduper(settings.WarnDedupeWindow, 0),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Identity returns the identity this handler connects as.
func (h *Handler) Identity() registry.Identity {
	return h.id
}

// State returns the current lifecycle state.
func (h *Handler) State() State {
	return State(h.state.Load())
}

// SessionID returns the id of the live connection, or "" when disconnected.
func (h *Handler) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cur == nil {
		return ""
	}
	return h.cur.id
}

func (h *Handler) setState(to State) {
	from := State(h.state.Swap(int32(to)))
	if from == to {
		return
	}
	if h.settings.Debug {
		log.Printf("%s: state %s -> %s", h.id.Name, from, to)
	}
	h.observer.StateChanged(h.id.Name, from, to)
}

// Run performs one connection attempt and blocks until it ends. It returns nil
// when the session ended after a Quit, ctx.Err() when ctx was canceled, and
// otherwise the reason the attempt failed (see Retryable).
func (h *Handler) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer h.running.Store(false)

	h.setState(StateConnecting)
	nc, reader, err := h.dial(ctx)
	if err != nil {
		h.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Bot: h.id.Name, Op: "dial", Err: err}
	}
	return h.serve(ctx, nc, reader)
}

func (h *Handler) dial(ctx context.Context) (net.Conn, io.Reader, error) {
	dialCtx := ctx
	if h.settings.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, h.settings.ConnectTimeout)
		defer cancel()
	}
	nc, err := h.dialer.DialContext(dialCtx, "tcp", h.id.Addr())
	if err != nil {
		return nil, nil, err
	}
	if h.settings.Transport != TransportZiutek {
		return nc, nc, nil
	}
	// Reads go through ziutek, which answers and strips IAC sequences; writes
	// stay raw since outbound text is escaped already.
	tconn, err := ztelnet.NewConn(nc)
	if err != nil {
		_ = nc.Close()
		return nil, nil, err
	}
	return nc, tconn, nil
}

func (h *Handler) serve(parent context.Context, nc net.Conn, reader io.Reader) error {
	c := newConn(uuid.NewString(), nc, reader, h.settings)
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	h.mu.Lock()
	h.cur = c
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.cur = nil
		h.waiter = nil
		h.mu.Unlock()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := c.writerLoop(ctx); err != nil {
			cancel(&TransportError{Bot: h.id.Name, Op: "write", Err: err})
		}
	}()

	log.Printf("%s: connected to %s (session %s)", h.id.Name, h.id.Addr(), c.id)
	h.setState(StateNegotiating)
	for _, opt := range h.settings.RequestOptions {
		if f, ok := c.engine.Request(opt, true); ok {
			_ = c.control(f.Bytes())
		}
	}
	if h.settings.AuthTimeout > 0 {
		c.authTimer = time.AfterFunc(h.settings.AuthTimeout, func() {
			switch h.State() {
			case StateNegotiating, StateAuthenticating:
				cancel(ErrAuthTimeout)
			}
		})
		defer c.stopAuthTimer()
	}

	readErr := h.readLoop(ctx, c)

	h.setState(StateClosing)
	cancel(nil)
	c.close()
	<-writerDone
	h.setState(StateDisconnected)

	err := h.classify(parent, ctx, c, readErr)
	if err != nil && parent.Err() == nil {
		log.Printf("%s: session %s closed: %v", h.id.Name, c.id, err)
	} else {
		log.Printf("%s: session %s closed", h.id.Name, c.id)
	}
	return err
}

func (h *Handler) classify(parent, ctx context.Context, c *conn, readErr error) error {
	if err := parent.Err(); err != nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if readErr == nil {
		return nil
	}
	if errors.Is(readErr, io.EOF) && c.quitting.Load() {
		return nil
	}
	return &TransportError{Bot: h.id.Name, Op: "read", Err: readErr}
}

// Purpose: Read the socket and process frames in receive order.
// Key aspects: Returns on the first read error (EOF included) or as soon as
// ctx is canceled; frames left in a chunk after cancellation are not processed.
// Upstream: serve.
// Downstream: handleFrame, Engine.Step.
func (h *Handler) readLoop(ctx context.Context, c *conn) error {
	buf := make([]byte, 4096)
	for {
		if h.settings.IdleTimeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(h.settings.IdleTimeout))
		}
		n, err := c.reader.Read(buf)
		if n > 0 {
			for f := range c.decoder.Feed(buf[:n]) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				h.handleFrame(ctx, c, f)
				for _, opt := range c.engine.Step() {
					h.warnf("expired|"+telnet.OptionName(opt), "%s: no answer to negotiation of %s; treating as refused", h.id.Name, telnet.OptionName(opt))
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (h *Handler) handleFrame(ctx context.Context, c *conn, f telnet.Frame) {
	if h.settings.Debug {
		log.Printf("%s: recv %s", h.id.Name, f)
	}
	switch f.Kind {
	case telnet.FrameData:
		if h.State() == StateNegotiating {
			h.setState(StateAuthenticating)
		}
		lines, dropped := c.lines.Push(f.Data)
		if dropped > 0 {
			h.warnf("overlong", "%s: dropped %d bytes of a line longer than %d", h.id.Name, dropped, c.lines.maxLine)
		}
		for _, line := range lines {
			h.onLine(ctx, c, line, false)
		}
	case telnet.FrameCommand:
		if !h.settings.PromptFlush || (f.Command != telnet.GA && f.Command != telnet.EOR) {
			return
		}
		if line, ok := c.lines.Flush(); ok {
			h.onLine(ctx, c, line, true)
		}
	case telnet.FrameNegotiate, telnet.FrameSubnegotiate:
		replies, err := c.engine.Handle(f)
		for _, r := range replies {
			if h.settings.Debug {
				log.Printf("%s: send %s", h.id.Name, r)
			}
			if c.control(r.Bytes()) != nil {
				return
			}
		}
		if err != nil {
			h.observer.Anomaly(h.id.Name)
			h.warnf("anomaly|"+err.Error(), "%s: negotiation anomaly: %v", h.id.Name, err)
		}
	case telnet.FrameInvalid:
		h.observer.FrameError(h.id.Name)
		h.warnf("frame|"+f.Err.Err.Error(), "%s: discarded malformed input: %v", h.id.Name, f.Err)
	}
}

// onLine records a line, then acts on it. The sink sees the line before any
// waiter or callback does.
func (h *Handler) onLine(ctx context.Context, c *conn, raw []byte, prompt bool) {
	c.seq++
	at := h.now()
	entry := transcript.Entry{Bot: h.id.Name, Session: c.id, Seq: c.seq, Line: raw, Prompt: prompt, At: at}
	if err := h.sink.Append(ctx, entry); err != nil {
		if ev := h.sinkWarn.Inc(); ev.Report {
			log.Printf("%s: transcript append failed (total=%d suppressed=%d): %v", h.id.Name, ev.Total, ev.Suppressed, err)
		}
	}
	h.observer.LineReceived(h.id.Name)

	text := string(raw)
	switch h.State() {
	case StateNegotiating, StateAuthenticating:
		c.stopAuthTimer()
		if err := c.data(LoginFor(h.id, h.settings.LoginStyle).encode()); err != nil {
			log.Printf("%s: failed to queue login: %v", h.id.Name, err)
		}
		h.setState(StateActive)
	case StateActive:
		h.mu.Lock()
		w := h.waiter
		h.waiter = nil
		h.mu.Unlock()
		if w != nil {
			w <- text
		}
	}

	if h.deliver != nil {
		h.deliver(Line{Bot: h.id.Name, Session: c.id, Seq: c.seq, Text: text, Prompt: prompt, At: at})
	}
}

// Request sends line and waits for the next line the server sends. Replies are
// matched by arrival order only; overlapping calls are serialized.
func (h *Handler) Request(ctx context.Context, line string) (string, error) {
	h.reqMu.Lock()
	defer h.reqMu.Unlock()

	h.mu.Lock()
	c := h.cur
	if c == nil || h.State() != StateActive {
		h.mu.Unlock()
		return "", ErrNotActive
	}
	w := make(chan string, 1)
	h.waiter = w
	h.mu.Unlock()

	if err := c.data(RawLine(line).encode()); err != nil {
		h.dropWaiter(w)
		return "", err
	}
	select {
	case reply := <-w:
		return reply, nil
	case <-ctx.Done():
		h.dropWaiter(w)
		return "", ctx.Err()
	case <-c.done:
		select {
		case reply := <-w:
			return reply, nil
		default:
		}
		h.dropWaiter(w)
		return "", ErrClosed
	}
}

func (h *Handler) dropWaiter(w chan string) {
	h.mu.Lock()
	if h.waiter == w {
		h.waiter = nil
	}
	h.mu.Unlock()
}

// Send queues cmd without waiting for a reply.
func (h *Handler) Send(cmd Command) error {
	if cmd == nil {
		return fmt.Errorf("session: nil command")
	}
	h.mu.Lock()
	c := h.cur
	h.mu.Unlock()
	if c == nil || h.State() != StateActive {
		return ErrNotActive
	}
	if _, ok := cmd.(Quit); ok {
		c.quitting.Store(true)
	}
	return c.data(cmd.encode())
}

func (h *Handler) warnf(key, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if out, ok := h.warn.Process(h.id.Name+"|"+key, msg); ok {
		log.Print(out)
	}
}
