package server

import (
	"context"
	"log/slog"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/protocol"
)

// inboundLimiter drops audio frames that exceed a per-session token bucket.
// It warns once per run of drops. Control commands are never limited.
type inboundLimiter struct {
	lim      *rate.Limiter
	dropping bool
}

func newInboundLimiter(perSecond float64, burst int) *inboundLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &inboundLimiter{lim: rate.NewLimiter(limit, burst)}
}

// allow reports whether a message may pass and whether this is the first
// drop since the last accepted message.
func (l *inboundLimiter) allow() (ok, firstDrop bool) {
	if l.lim.Allow() {
		l.dropping = false
		return true, false
	}
	first := !l.dropping
	l.dropping = true
	return false, first
}

// reader decodes client frames into protocol.Inbound messages.
type reader struct {
	conn    *websocket.Conn
	limiter *inboundLimiter
	log     *slog.Logger
	metrics *observe.Metrics
}

// run reads until the connection ends or ctx is done, then closes inbound.
// Transport errors end the session and are not returned.
func (r *reader) run(ctx context.Context, inbound chan<- protocol.Inbound) error {
	defer close(inbound)
	for {
		typ, data, err := r.conn.Read(ctx)
		if err != nil {
			r.logReadEnd(ctx, err)
			return nil
		}

		var msg protocol.Inbound
		switch typ {
		case websocket.MessageBinary:
			ok, firstDrop := r.limiter.allow()
			if !ok {
				if firstDrop {
					r.log.Warn("server: inbound audio rate exceeded, dropping frames")
				}
				r.drop(ctx, "rate_limited")
				continue
			}
			msg = protocol.AudioFrame(data)
		case websocket.MessageText:
			msg, err = protocol.ParseText(data)
			if err != nil {
				r.log.Warn("server: ignoring inbound message", "err", err)
				r.drop(ctx, "invalid_message")
				continue
			}
		default:
			continue
		}

		select {
		case inbound <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *reader) logReadEnd(ctx context.Context, err error) {
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		r.log.Debug("server: client closed connection", "status", status)
	case ctx.Err() != nil:
		r.log.Debug("server: read stopped", "err", ctx.Err())
	default:
		r.log.Warn("server: connection read failed", "err", err)
	}
}

func (r *reader) drop(ctx context.Context, reason string) {
	if r.metrics != nil {
		r.metrics.RecordInboundDropped(ctx, reason)
	}
}
