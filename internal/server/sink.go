package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voicerelay/internal/protocol"
	"github.com/MrWong99/voicerelay/internal/synthesis"
)

// ErrSinkClosed is returned by Send once the connection can no longer be
// written to.
var ErrSinkClosed = errors.New("server: sink closed")

// sinkBuffer is the number of outbound messages queued ahead of the writer.
const sinkBuffer = 64

// connSink serialises outbound messages onto one websocket through a single
// writer goroutine. Messages are written in Send order.
type connSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	log          *slog.Logger
	onFail       func(error)

	out  chan protocol.Outbound
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	failOnce  sync.Once
}

var _ synthesis.Sink = (*connSink)(nil)

func newConnSink(conn *websocket.Conn, writeTimeout time.Duration, log *slog.Logger, onFail func(error)) *connSink {
	return &connSink{
		conn:         conn,
		writeTimeout: writeTimeout,
		log:          log,
		onFail:       onFail,
		out:          make(chan protocol.Outbound, sinkBuffer),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Send queues msg for the writer. It blocks while the buffer is full and
// fails with [ErrSinkClosed] once the sink is closed or the connection broke.
func (s *connSink) Send(ctx context.Context, msg protocol.Outbound) error {
	select {
	case <-s.quit:
		return ErrSinkClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	case <-s.quit:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run writes queued messages until Close is called, then flushes what is
// still buffered. It always returns nil; write failures end the session
// through onFail.
func (s *connSink) run() error {
	defer close(s.done)
	for {
		select {
		case msg := <-s.out:
			if !s.write(msg) {
				return nil
			}
		case <-s.quit:
			for {
				select {
				case msg := <-s.out:
					if !s.write(msg) {
						return nil
					}
				default:
					return nil
				}
			}
		}
	}
}

func (s *connSink) write(msg protocol.Outbound) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, s.conn, msg); err != nil {
		s.fail(err)
		return false
	}
	return true
}

func (s *connSink) fail(err error) {
	s.failOnce.Do(func() {
		s.log.Debug("server: outbound write failed", "err", err)
		s.Close()
		if s.onFail != nil {
			s.onFail(err)
		}
	})
}

// Close stops accepting messages. The writer flushes the buffer and exits.
func (s *connSink) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
}

// Done is closed when the writer has exited.
func (s *connSink) Done() <-chan struct{} { return s.done }
