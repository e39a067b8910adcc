package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/avrillon/liveterp/internal/hub"
	"github.com/avrillon/liveterp/internal/observe"
)

var (
	errClientClosed = errors.New("httpapi: client closed")
	errQueueFull    = errors.New("httpapi: send queue full")
)

// wsClient adapts one WebSocket connection to [hub.Sender]. Outbound
// envelopes go through a buffered queue drained by writePump, so the hub
// never blocks on a slow client; when the queue fills, frames are dropped
// and counted.
type wsClient struct {
	conn    *websocket.Conn
	queue   chan hub.Envelope
	done    chan struct{}
	once    sync.Once
	log     *slog.Logger
	metrics *observe.Metrics
}

func newWSClient(conn *websocket.Conn, queueSize int, log *slog.Logger, metrics *observe.Metrics) *wsClient {
	return &wsClient{
		conn:    conn,
		queue:   make(chan hub.Envelope, queueSize),
		done:    make(chan struct{}),
		log:     log,
		metrics: metrics,
	}
}

// Send implements [hub.Sender]. It never blocks.
func (c *wsClient) Send(env hub.Envelope) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.queue <- env:
		return nil
	default:
		c.metrics.DroppedFrames.Add(context.Background(), 1)
		return errQueueFull
	}
}

// Alive implements [hub.Sender].
func (c *wsClient) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close implements [hub.Sender]. Invoked by the hub when evicting the
// previous holder of a singleton role slot.
func (c *wsClient) Close(reason string) {
	c.shutdown(websocket.StatusPolicyViolation, reason)
}

// shutdown closes the socket exactly once and unblocks both pumps.
func (c *wsClient) shutdown(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

// writePump drains the outbound queue to the socket until the client is
// closed or a write fails.
func (c *wsClient) writePump(ctx context.Context) {
	for {
		select {
		case env := <-c.queue:
			if err := wsjson.Write(ctx, c.conn, env); err != nil {
				c.shutdown(websocket.StatusNormalClosure, "write failed")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			c.shutdown(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}

// readPump reads inbound envelopes and dispatches them to the hub until the
// peer disconnects. It returns once the connection is unusable.
func (c *wsClient) readPump(ctx context.Context, h *hub.Hub, connID string) {
	for {
		var env hub.Envelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			c.shutdown(websocket.StatusNormalClosure, "")
			return
		}
		c.dispatch(ctx, h, connID, env)
	}
}

// dispatch routes one inbound envelope to the matching hub operation.
// Unknown events are logged and ignored so newer clients do not kill the
// connection.
func (c *wsClient) dispatch(ctx context.Context, h *hub.Hub, connID string, env hub.Envelope) {
	switch env.Event {
	case hub.EventNewTranslation:
		var ev hub.TranslationEvent
		if err := unmarshalData(env, &ev); err != nil {
			c.log.Debug("malformed translation payload", "conn_id", connID, "err", err)
			return
		}
		h.Ingest(ctx, connID, ev)
	case hub.EventRemoteStartRecognition:
		h.RemoteStart(ctx, connID)
	case hub.EventRemoteStopRecognition:
		h.RemoteStop(ctx, connID)
	case hub.EventUpdateRecognitionState:
		var listening bool
		if err := unmarshalData(env, &listening); err != nil {
			c.log.Debug("malformed recognition state payload", "conn_id", connID, "err", err)
			return
		}
		h.ReportState(ctx, connID, listening)
	default:
		c.log.Debug("unknown event ignored", "conn_id", connID, "event", env.Event)
	}
}

// unmarshalData decodes an envelope payload into v.
func unmarshalData(env hub.Envelope, v any) error {
	if env.Data == nil {
		return errors.New("missing payload")
	}
	return json.Unmarshal(env.Data, v)
}
