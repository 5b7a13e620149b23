package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/events"
)

// streamChannels is the fixed set mirrored to websocket clients. Dashboards
// watch alerts, lifecycle churn, violations, conflicts and accounted trades;
// the raw signal firehose stays off the ops plane.
var streamChannels = []string{
	events.ChannelAlert,
	events.ChannelLifecycle,
	events.ChannelViolations,
	events.ChannelConflicts,
	events.ChannelTradeAccounted,
}

// streamFrame is one bus message as delivered to a websocket client.
type streamFrame struct {
	Channel    string          `json:"channel"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

const streamWriteTimeout = 5 * time.Second

// handleEventStream upgrades to a websocket and pumps bus events until the
// client disconnects or the process shuts down. The stream is one-way;
// client frames are drained and ignored.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "stream aborted")

	ctx := c.CloseRead(r.Context())

	sub, err := s.cfg.Bus.Subscribe(ctx, streamChannels...)
	if err != nil {
		s.log.Error().Err(err).Msg("event stream subscribe failed")
		c.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	s.log.Info().Str("remote", r.RemoteAddr).Msg("event stream opened")

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				c.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			if err := s.writeFrame(ctx, c, msg); err != nil {
				s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("event stream client gone")
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, c *websocket.Conn, msg bus.Message) error {
	frame := streamFrame{Channel: msg.Channel, ReceivedAt: time.Now().UTC()}
	if json.Valid(msg.Payload) {
		frame.Payload = json.RawMessage(msg.Payload)
	} else {
		// Non-event publishers can put anything on a channel; ship it as a
		// JSON string rather than corrupting the frame.
		quoted, err := json.Marshal(string(msg.Payload))
		if err != nil {
			return err
		}
		frame.Payload = quoted
	}

	buf, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return c.Write(wctx, websocket.MessageText, buf)
}
