package session

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"mudbot/telnet"
)

// conn is the state of one connection attempt. Nothing in it survives a
// reconnect; the read side is touched only by the Handler's Run goroutine.
type conn struct {
	id      string
	nc      net.Conn
	reader  io.Reader
	writer  *bufio.Writer
	decoder *telnet.Decoder
	engine  *telnet.Engine
	lines   *lineAssembler
	seq     uint64

	authTimer *time.Timer
	quitting  atomic.Bool // Quit was sent; EOF is a normal end

	ctrlCh    chan []byte
	dataCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, nc net.Conn, reader io.Reader, settings Settings) *conn {
	if reader == nil {
		reader = nc
	}
	queue := settings.WriteQueue
	if queue <= 0 {
		queue = 64
	}
	return &conn{
		id:      id,
		nc:      nc,
		reader:  reader,
		writer:  bufio.NewWriter(nc),
		decoder: telnet.NewDecoder(settings.MaxSubnegotiation),
		engine:  telnet.NewEngine(settings.Negotiation),
		lines:   newLineAssembler(settings.MaxLineLength),
		ctrlCh:  make(chan []byte, queue),
		dataCh:  make(chan []byte, queue),
		done:    make(chan struct{}),
	}
}

// control queues a negotiation reply. It blocks rather than drop, since a lost
// reply stalls the peer's state machine.
func (c *conn) control(b []byte) error {
	select {
	case c.ctrlCh <- b:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// data queues application output.
func (c *conn) data(b []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.dataCh <- b:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return errWriteQueueFull
	}
}

// Purpose: Drain the outbound queues onto the socket.
// Key aspects: Control frames queued before a data write are always flushed
// first, so negotiation replies never wait behind application output.
// Upstream: Handler.serve.
// Downstream: bufio.Writer on the connection.
func (c *conn) writerLoop(ctx context.Context) error {
	for {
		select {
		case b := <-c.ctrlCh:
			if err := c.write(b); err != nil {
				return err
			}
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case b := <-c.ctrlCh:
			if err := c.write(b); err != nil {
				return err
			}
		case b := <-c.dataCh:
			if err := c.drainControl(); err != nil {
				return err
			}
			if err := c.write(b); err != nil {
				return err
			}
		}
	}
}

func (c *conn) drainControl() error {
	for {
		select {
		case b := <-c.ctrlCh:
			if err := c.write(b); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *conn) write(b []byte) error {
	if _, err := c.writer.Write(b); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *conn) stopAuthTimer() {
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.nc.Close()
	})
}
