// Package cable implements the realtime side of the Fixmate chat client:
// the Channel owning one physical WebSocket connection to the cable broker,
// and the Supervisor deciding when to (re)connect, with which credential,
// and when to give up.
package cable

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fixmate/chat-client/internal/apierr"
	"github.com/fixmate/chat-client/internal/metrics"
	"github.com/fixmate/chat-client/internal/protocol"
)

// DefaultPingInterval is the keepalive cadence while connected.
const DefaultPingInterval = 10 * time.Second

// Channel owns exactly one WebSocket connection to the broker. It translates
// subscribe/send into wire commands and inbound frames into Events calls.
// Open failures and dead connections are reported upward, never retried here;
// reconnect policy belongs to the Supervisor.
type Channel struct {
	conn         net.Conn
	events       Events
	pingInterval time.Duration

	writeMu sync.Mutex // serializes outbound frames

	done       chan struct{}
	closeOnce  sync.Once
	notifyOnce sync.Once
}

// Dial opens a connection to the cable broker. The broker authenticates at
// handshake time, so the token travels as a query parameter on the
// connection target rather than a header. On success the read and keepalive
// loops are already running.
func Dial(ctx context.Context, cableURL, token string, events Events) (*Channel, error) {
	return dial(ctx, cableURL, token, events, DefaultPingInterval)
}

func dial(ctx context.Context, cableURL, token string, events Events, pingInterval time.Duration) (*Channel, error) {
	u, err := url.Parse(cableURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apierr.Wrap(apierr.KindInvalidAddress, fmt.Sprintf("cable url %q", cableURL), err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransportFailure, "dial cable", err)
	}

	c := &Channel{
		conn:         conn,
		events:       events,
		pingInterval: pingInterval,
		done:         make(chan struct{}),
	}

	go c.readLoop()
	go c.keepaliveLoop()

	return c, nil
}

// Subscribe sends the subscription command for a booking. It does not block
// waiting for the confirmation; that arrives asynchronously as a
// SubscriptionConfirmed event correlated by booking ID.
func (c *Channel) Subscribe(bookingID int64) error {
	data, err := protocol.SubscribeCommand(bookingID)
	if err != nil {
		return apierr.Wrap(apierr.KindEncodingFailure, "subscribe command", err)
	}
	return c.write(data)
}

// Send publishes a chat message. Success means handed to the transport, not
// delivered; delivery is observed when the broker echoes the message back
// through MessageReceived.
func (c *Channel) Send(bookingID int64, content string) error {
	data, err := protocol.PublishCommand(bookingID, content)
	if err != nil {
		return apierr.Wrap(apierr.KindEncodingFailure, "publish command", err)
	}
	if err := c.write(data); err != nil {
		return err
	}
	metrics.MessagesSentTotal.Inc()
	return nil
}

// Close shuts the connection down with a normal-closure frame. It is
// idempotent and suppresses the TransportClosed event: an explicit close is
// not a failure.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// Stop the notify path before the read loop sees the dying socket.
		c.notifyOnce.Do(func() {})

		c.writeMu.Lock()
		_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) write(data []byte) error {
	select {
	case <-c.done:
		return apierr.New(apierr.KindTransportFailure, "channel closed")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return apierr.Wrap(apierr.KindTransportFailure, "write frame", err)
	}
	return nil
}

// readLoop reads frames until the connection dies or Close is called, and
// dispatches parsed frames to the Events sink. A frame that matches no known
// shape is logged and dropped; it never stops the loop.
func (c *Channel) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			c.teardown(apierr.Wrap(apierr.KindTransportFailure, "read frame", err))
			return
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			log.Printf("cable: dropped frame: %v", err)
			metrics.FramesDroppedTotal.Inc()
			continue
		}
		metrics.FramesTotal.WithLabelValues(frame.Kind.String()).Inc()

		switch frame.Kind {
		case protocol.FrameConfirmSubscription:
			log.Printf("cable: subscription confirmed booking=%d", frame.BookingID)
			c.events.SubscriptionConfirmed(frame.BookingID)
		case protocol.FrameRejectSubscription:
			log.Printf("cable: subscription rejected booking=%d", frame.BookingID)
			c.events.SubscriptionRejected(frame.BookingID)
		case protocol.FrameMessage:
			c.events.MessageReceived(frame.BookingID, *frame.Message)
		case protocol.FrameWelcome, protocol.FrameKeepalive:
			// Liveness only.
		}
	}
}

// keepaliveLoop pings the broker on a fixed cadence while connected. A
// failed ping means the connection is dead; it is escalated as a transport
// failure, not retried here.
func (c *Channel) keepaliveLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			data, err := protocol.PingCommand()
			if err != nil {
				c.teardown(apierr.Wrap(apierr.KindEncodingFailure, "ping command", err))
				return
			}
			if err := c.write(data); err != nil {
				c.teardown(apierr.Wrap(apierr.KindTransportFailure, "keepalive", err))
				return
			}
		}
	}
}

// teardown closes the socket and reports the failure upward exactly once.
// After an explicit Close the notification is already spent, so a read error
// caused by our own shutdown stays silent.
func (c *Channel) teardown(err error) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	c.notifyOnce.Do(func() {
		log.Printf("cable: transport closed: %v", err)
		c.events.TransportClosed(err)
	})
}
