package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

// ErrNotFlushable is returned when the response writer cannot push frames.
var ErrNotFlushable = errors.New("feed: response writer does not support flushing")

const heartbeatLayout = "2006-01-02T15:04:05.000Z07:00"

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func newTimeTicker(d time.Duration) ticker { return timeTicker{time.NewTicker(d)} }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// Stream serves req as server-sent events until the client goes away, the
// subscription fails, or a write fails. Errors raised before the stream
// headers are written are returned to the caller; later errors only end the
// connection.
func (d *Distributor) Stream(ctx context.Context, w http.ResponseWriter, req Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrNotFlushable
	}

	sub, err := d.feed.Subscribe(ctx, req.Query())
	if err != nil {
		return err
	}

	c := &conn{
		d:       d,
		w:       w,
		flusher: flusher,
		sub:     sub,
		req:     req,
		done:    make(chan struct{}),
		log: d.log.With().
			Str("viewer", req.Viewer.String()).
			Str("filter", string(req.Filter)).
			Str("since", req.Since).
			Logger(),
	}

	h := w.Header()
	h.Set("Content-Type", eventStream)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c.ticker = d.newTicker(d.heartbeat)
	subscribers.Inc()
	c.log.Debug().Msg("starting to listen to changes feed")

	stop := context.AfterFunc(ctx, func() { c.close(nil) })
	defer stop()

	c.run(ctx)
	<-c.done
	return nil
}

// conn is the state of one subscriber: streaming until closed. close is
// idempotent and may race with the run loop.
type conn struct {
	d       *Distributor
	w       io.Writer
	flusher http.Flusher
	sub     domain.Subscription
	ticker  ticker
	req     Request
	log     zerolog.Logger

	closed atomic.Bool
	done   chan struct{}
}

func (c *conn) run(ctx context.Context) {
	changes := c.sub.Events()
	errs := c.sub.Errors()
	for {
		select {
		case <-c.done:
			return

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.log.Error().Err(err).Msg("error from the changes feed")
			c.close(err)
			return

		case ev, ok := <-changes:
			if !ok {
				c.close(nil)
				return
			}
			if err := c.deliver(ctx, ev); err != nil {
				c.close(err)
				return
			}

		case t := <-c.ticker.C():
			if err := c.write([]byte(": " + t.UTC().Format(heartbeatLayout) + "\n\n")); err != nil {
				c.close(err)
				return
			}
		}
	}
}

func (c *conn) deliver(ctx context.Context, ev domain.ChangeEvent) error {
	msg, ok, err := c.d.Message(ctx, ev, c.req)
	if err != nil || !ok {
		return err
	}
	data, err := json.Marshal(msg.Item)
	if err != nil {
		return err
	}
	if err := c.write(Frame(msg, data)); err != nil {
		return err
	}
	label := msg.EventType
	if label == "" {
		label = "none"
	}
	events.WithLabelValues(label).Inc()
	return nil
}

func (c *conn) write(frame []byte) error {
	if c.closed.Load() {
		return nil
	}
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// close releases the subscription and heartbeat exactly once and then
// closes done. It reports whether this call performed the cleanup.
func (c *conn) close(err error) bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	defer close(c.done)
	c.ticker.Stop()
	if cerr := c.sub.Close(); cerr != nil {
		c.log.Warn().Err(cerr).Msg("closing subscription")
	}
	subscribers.Dec()
	if err != nil {
		c.log.Error().Err(err).Msg("closing feed due to error")
	} else {
		c.log.Debug().Msg("closing feed")
	}
	return true
}

// Frame renders one server-sent event. The event line is omitted when the
// message has no type.
func Frame(msg domain.FeedMessage, data []byte) []byte {
	buf := make([]byte, 0, len(data)+len(msg.EventID)+len(msg.EventType)+24)
	buf = append(buf, "id: "...)
	buf = append(buf, msg.EventID...)
	buf = append(buf, '\n')
	if msg.EventType != "" {
		buf = append(buf, "event: "...)
		buf = append(buf, msg.EventType...)
		buf = append(buf, '\n')
	}
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf
}
