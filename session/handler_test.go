package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"mudbot/registry"
	"mudbot/telnet"
	"mudbot/transcript"

	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var bot1 = registry.Identity{Name: "bot1", Host: "h", Port: 4000, Login: "bot1", Secret: "pw"}

func testSettings() Settings {
	s := DefaultSettings()
	s.ConnectTimeout = time.Second
	s.AuthTimeout = 0
	s.WarnDedupeWindow = 0
	return s
}

// pipeDialer hands the client end of a net.Pipe to the handler and the server
// end to the test.
type pipeDialer struct {
	servers chan net.Conn
	err     error
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{servers: make(chan net.Conn, 4)}
}

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	client, server := net.Pipe()
	d.servers <- server
	return client, nil
}

func (d *pipeDialer) accept(t *testing.T) *fakeServer {
	t.Helper()
	select {
	case c := <-d.servers:
		s := &fakeServer{conn: c, done: make(chan struct{})}
		go s.readAll()
		t.Cleanup(func() { _ = c.Close() })
		return s
	case <-time.After(waitFor):
		t.Fatal("handler never dialed")
		return nil
	}
}

type fakeServer struct {
	conn net.Conn
	mu   sync.Mutex
	got  []byte
	done chan struct{}
}

func (s *fakeServer) readAll() {
	defer close(s.done)
	buf := make([]byte, 1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.got = append(s.got, buf[:n]...)
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (s *fakeServer) received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.got...)
}

func (s *fakeServer) send(t *testing.T, b []byte) {
	t.Helper()
	_, err := s.conn.Write(b)
	require.NoError(t, err)
}

func (s *fakeServer) waitReceived(t *testing.T, want []byte) {
	t.Helper()
	require.Eventually(t, func() bool { return bytes.Contains(s.received(), want) }, waitFor, tick, "server never received %q", want)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []transcript.Entry
	events  *[]string
	err     error
}

func (r *recordingSink) Append(_ context.Context, e transcript.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if r.events != nil {
		*r.events = append(*r.events, "log:"+string(e.Line))
	}
	return r.err
}

func (r *recordingSink) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, string(e.Line))
	}
	return out
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []State
	frameErrors int
	anomalies   int
}

func (o *recordingObserver) StateChanged(_ string, _, to State) {
	o.mu.Lock()
	o.transitions = append(o.transitions, to)
	o.mu.Unlock()
}

func (o *recordingObserver) LineReceived(string) {}

func (o *recordingObserver) FrameError(string) {
	o.mu.Lock()
	o.frameErrors++
	o.mu.Unlock()
}

func (o *recordingObserver) Anomaly(string) {
	o.mu.Lock()
	o.anomalies++
	o.mu.Unlock()
}

func (o *recordingObserver) states() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.transitions...)
}

type running struct {
	h      *Handler
	cancel context.CancelFunc
	errCh  chan error
}

func start(t *testing.T, h *Handler) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{h: h, cancel: cancel, errCh: make(chan error, 1)}
	go func() { r.errCh <- h.Run(ctx) }()
	t.Cleanup(cancel)
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errCh:
		return err
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitState(t *testing.T, h *Handler, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.State() == want }, waitFor, tick, "state never reached %s", want)
}

func TestHandlerLogsInOnFirstLine(t *testing.T) {
	d := newPipeDialer()
	sink := &recordingSink{}
	obs := &recordingObserver{}
	r := start(t, New(bot1, testSettings(), WithDialer(d), WithSink(sink), WithObserver(obs)))
	srv := d.accept(t)

	srv.send(t, []byte("Welcome\n"))
	waitState(t, r.h, StateActive)
	srv.waitReceived(t, []byte("\r\n"))

	require.Never(t, func() bool { return len(srv.received()) > len("connect bot1 pw\r\n") }, 50*time.Millisecond, tick)
	sent := string(srv.received())
	require.Equal(t, "connect bot1 pw\r\n", sent)
	require.Contains(t, sent, "bot1")
	require.Contains(t, sent, "pw")
	require.Equal(t, []string{"Welcome"}, sink.lines())

	r.cancel()
	require.ErrorIs(t, r.wait(t), context.Canceled)
	require.Equal(t, StateDisconnected, r.h.State())
	require.Equal(t, []State{
		StateConnecting, StateNegotiating, StateAuthenticating, StateActive, StateClosing, StateDisconnected,
	}, obs.states())
	<-srv.done
}

func TestHandlerAnswersEchoOfferOnce(t *testing.T) {
	d := newPipeDialer()
	sink := &recordingSink{}
	r := start(t, New(bot1, testSettings(), WithDialer(d), WithSink(sink)))
	srv := d.accept(t)

	willEcho := []byte{telnet.IAC, telnet.WILL, telnet.OptEcho}
	doEcho := []byte{telnet.IAC, telnet.DO, telnet.OptEcho}

	srv.send(t, willEcho)
	srv.waitReceived(t, doEcho)
	require.Equal(t, StateNegotiating, r.h.State())

	srv.send(t, []byte("Hello\r\n"))
	waitState(t, r.h, StateActive)
	login := []byte("connect bot1 pw\r\n")
	srv.waitReceived(t, login)

	srv.send(t, willEcho)
	srv.send(t, willEcho)
	srv.send(t, []byte("ping\r\n"))
	require.Eventually(t, func() bool { return len(sink.lines()) == 2 }, waitFor, tick)

	want := append(append([]byte(nil), doEcho...), login...)
	require.Never(t, func() bool { return len(srv.received()) > len(want) }, 50*time.Millisecond, tick)
	require.Equal(t, want, srv.received())
	require.Equal(t, StateActive, r.h.State())
}

func TestHandlerRequestsOptionsAtConnect(t *testing.T) {
	settings := testSettings()
	settings.RequestOptions = []byte{telnet.OptGMCP}
	settings.Negotiation.Policy.Remote[telnet.OptGMCP] = true
	d := newPipeDialer()
	r := start(t, New(bot1, settings, WithDialer(d)))
	srv := d.accept(t)

	doGMCP := []byte{telnet.IAC, telnet.DO, telnet.OptGMCP}
	willGMCP := []byte{telnet.IAC, telnet.WILL, telnet.OptGMCP}
	srv.waitReceived(t, doGMCP)

	srv.send(t, willGMCP)
	srv.send(t, willGMCP)
	srv.send(t, []byte("Welcome\n"))
	waitState(t, r.h, StateActive)
	login := []byte("connect bot1 pw\r\n")
	srv.waitReceived(t, login)

	want := append(append([]byte(nil), doGMCP...), login...)
	require.Never(t, func() bool { return len(srv.received()) > len(want) }, 50*time.Millisecond, tick)
	require.Equal(t, want, srv.received())
}

func TestHandlerZiutekTransportLogsIn(t *testing.T) {
	settings := testSettings()
	settings.Transport = TransportZiutek
	d := newPipeDialer()
	sink := &recordingSink{}
	r := start(t, New(bot1, settings, WithDialer(d), WithSink(sink)))
	srv := d.accept(t)

	doEcho := []byte{telnet.IAC, telnet.DO, telnet.OptEcho}
	srv.send(t, []byte{telnet.IAC, telnet.WILL, telnet.OptEcho})
	srv.waitReceived(t, doEcho)
	srv.send(t, []byte("Welcome\n"))
	waitState(t, r.h, StateActive)
	login := []byte("connect bot1 pw\r\n")
	srv.waitReceived(t, login)

	require.Equal(t, append(append([]byte(nil), doEcho...), login...), srv.received())
	require.Eventually(t, func() bool { return len(sink.lines()) == 1 }, waitFor, tick)
	require.Equal(t, []string{"Welcome"}, sink.lines())

	r.cancel()
	require.ErrorIs(t, r.wait(t), context.Canceled)
}

func TestHandlerRequestReturnsNextLine(t *testing.T) {
	d := newPipeDialer()
	r := start(t, New(bot1, testSettings(), WithDialer(d)))
	srv := d.accept(t)

	_, err := r.h.Request(context.Background(), "look")
	require.ErrorIs(t, err, ErrNotActive)

	srv.send(t, []byte("Welcome\n"))
	waitState(t, r.h, StateActive)

	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := r.h.Request(context.Background(), "look")
		done <- result{reply, err}
	}()
	srv.waitReceived(t, []byte("look\r\n"))
	srv.send(t, []byte("A dusty room.\n"))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, "A dusty room.", res.reply)
	case <-time.After(waitFor):
		t.Fatal("request never completed")
	}
}

func TestHandlerRequestSerializesCallers(t *testing.T) {
	d := newPipeDialer()
	r := start(t, New(bot1, testSettings(), WithDialer(d)))
	srv := d.accept(t)
	srv.send(t, []byte("Welcome\n"))
	waitState(t, r.h, StateActive)
	srv.waitReceived(t, []byte("connect bot1 pw\r\n"))

	replies := make(chan string, 2)
	for _, cmd := range []string{"one", "two"} {
		go func() {
			reply, err := r.h.Request(context.Background(), cmd)
			if err == nil {
				replies <- cmd + "=" + reply
			}
		}()
	}

	// Only one command may be in flight: answer whichever arrives, then the other.
	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool {
			return bytes.Count(srv.received(), []byte("\r\n")) == 2+i
		}, waitFor, tick)
		require.Never(t, func() bool {
			return bytes.Count(srv.received(), []byte("\r\n")) > 2+i
		}, 30*time.Millisecond, tick)
		lines := bytes.Split(bytes.TrimSpace(srv.received()), []byte("\r\n"))
		last := string(lines[len(lines)-1])
		srv.send(t, []byte("re-"+last+"\n"))
	}

	got := []string{<-replies, <-replies}
	require.ElementsMatch(t, []string{"one=re-one", "two=re-two"}, got)
}

func TestHandlerAuthTimeout(t *testing.T) {
	d := newPipeDialer()
	settings := testSettings()
	settings.AuthTimeout = 30 * time.Millisecond
	r := start(t, New(bot1, settings, WithDialer(d)))
	srv := d.accept(t)

	err := r.wait(t)
	require.ErrorIs(t, err, ErrAuthTimeout)
	require.True(t, Retryable(err))
	require.Equal(t, StateDisconnected, r.h.State())
	<-srv.done
}

func TestHandlerPeerResetIsTransportError(t *testing.T) {
	d := newPipeDialer()
	r := start(t, New(bot1, testSettings(), WithDialer(d)))
	srv := d.accept(t)
	srv.send(t, []byte("Welcome\n"))
	waitState(t, r.h, StateActive)

	require.NoError(t, srv.conn.Close())
	err := r.wait(t)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "read", te.Op)
	require.Equal(t, "bot1", te.Bot)
	require.True(t, Retryable(err))
	require.Empty(t, r.h.SessionID())
}

func TestHandlerIdleTimeoutIsTransportError(t *testing.T) {
	settings := testSettings()
	settings.IdleTimeout = 100 * time.Millisecond
	d := newPipeDialer()
	r := start(t, New(bot1, settings, WithDialer(d)))
	d.accept(t)

	err := r.wait(t)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "read", te.Op)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	require.True(t, Retryable(err))
	require.Equal(t, StateDisconnected, r.h.State())
}

func TestHandlerDialFailure(t *testing.T) {
	d := newPipeDialer()
	d.err = errors.New("connection refused")
	h := New(bot1, testSettings(), WithDialer(d))

	err := h.Run(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "dial", te.Op)
	require.True(t, Retryable(err))
	require.Equal(t, StateDisconnected, h.State())
}

func TestHandlerQuitEndsCleanly(t *testing.T) {
	d := newPipeDialer()
	r := start(t, New(bot1, testSettings(), WithDialer(d)))
	srv := d.accept(t)
	srv.send(t, []byte("Welcome\n"))
	waitState(t, r.h, StateActive)

	require.NoError(t, r.h.Send(Quit{}))
	srv.waitReceived(t, []byte("QUIT\r\n"))
	require.NoError(t, srv.conn.Close())
	require.NoError(t, r.wait(t))
}

func TestHandlerPromptTriggersPromptedLogin(t *testing.T) {
	d := newPipeDialer()
	settings := testSettings()
	settings.LoginStyle = LoginPrompted
	sink := &recordingSink{}
	r := start(t, New(bot1, settings, WithDialer(d), WithSink(sink)))
	srv := d.accept(t)

	srv.send(t, []byte("By what name are you known? "))
	srv.send(t, []byte{telnet.IAC, telnet.GA})
	srv.waitReceived(t, []byte("bot1\r\npw\r\n"))
	waitState(t, r.h, StateActive)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.entries, 1)
	require.True(t, sink.entries[0].Prompt)
	require.Equal(t, "By what name are you known? ", string(sink.entries[0].Line))
	require.Equal(t, uint64(1), sink.entries[0].Seq)
}

func TestHandlerLogsBeforeDelivering(t *testing.T) {
	d := newPipeDialer()
	var events []string
	sink := &recordingSink{events: &events}
	deliver := func(l Line) {
		sink.mu.Lock()
		events = append(events, "deliver:"+l.Text)
		sink.mu.Unlock()
	}
	start(t, New(bot1, testSettings(), WithDialer(d), WithSink(sink), WithLineHandler(deliver)))
	srv := d.accept(t)
	srv.send(t, []byte("a\nb\n"))
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(events) == 4
	}, waitFor, tick)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, []string{"log:a", "deliver:a", "log:b", "deliver:b"}, events)
}

func TestHandlerLineHandlerBlocksReading(t *testing.T) {
	d := newPipeDialer()
	sink := &recordingSink{}
	release := make(chan struct{})
	deliver := func(l Line) {
		if l.Text == "first" {
			<-release
		}
	}
	start(t, New(bot1, testSettings(), WithDialer(d), WithSink(sink), WithLineHandler(deliver)))
	srv := d.accept(t)

	srv.send(t, []byte("first\n"))
	require.Eventually(t, func() bool { return len(sink.lines()) == 1 }, waitFor, tick)
	go func() { _, _ = srv.conn.Write([]byte("second\n")) }()

	require.Never(t, func() bool { return len(sink.lines()) > 1 }, 50*time.Millisecond, tick)
	close(release)
	require.Eventually(t, func() bool { return len(sink.lines()) == 2 }, waitFor, tick)
	require.Equal(t, []string{"first", "second"}, sink.lines())
}

func TestHandlerSurvivesSinkFailure(t *testing.T) {
	d := newPipeDialer()
	sink := &recordingSink{err: errors.New("disk full")}
	delivered := make(chan string, 4)
	r := start(t, New(bot1, testSettings(), WithDialer(d), WithSink(sink), WithLineHandler(func(l Line) { delivered <- l.Text })))
	srv := d.accept(t)

	srv.send(t, []byte("Welcome\nstill here\n"))
	require.Equal(t, "Welcome", <-delivered)
	require.Equal(t, "still here", <-delivered)
	require.Equal(t, StateActive, r.h.State())
}

func TestHandlerRecoversFromMalformedInput(t *testing.T) {
	d := newPipeDialer()
	obs := &recordingObserver{}
	sink := &recordingSink{}
	r := start(t, New(bot1, testSettings(), WithDialer(d), WithObserver(obs), WithSink(sink)))
	srv := d.accept(t)

	srv.send(t, []byte{telnet.IAC, telnet.SE})
	srv.send(t, []byte{telnet.IAC, telnet.SB, telnet.OptGMCP, 'x', telnet.IAC, telnet.SE})
	srv.send(t, []byte("Welcome\n"))
	waitState(t, r.h, StateActive)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, 1, obs.frameErrors)
	require.Equal(t, 1, obs.anomalies)
	require.Equal(t, []string{"Welcome"}, sink.lines())
}

func TestHandlerRejectsConcurrentRun(t *testing.T) {
	d := newPipeDialer()
	r := start(t, New(bot1, testSettings(), WithDialer(d)))
	d.accept(t)
	waitState(t, r.h, StateNegotiating)
	require.ErrorIs(t, r.h.Run(context.Background()), ErrRunning)
}
