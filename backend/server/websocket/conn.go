package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/hierchat/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrConnClosed  = errors.New("connection is closed")
	ErrSendTimeout = errors.New("send queue is full")
)

// connSeq numbers accepted and dialed connections alike.
var connSeq atomic.Uint64

// Conn is a websocket connection to another peer. Incoming messages are
// reported to the sink as events, Send queues outgoing ones.
type Conn struct {
	id     uint64
	ws     *websocket.Conn
	tx     chan model.Message
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func newConn(ws *websocket.Conn, logger *zerolog.Logger) *Conn {
	id := connSeq.Add(1)
	return &Conn{
		id:   id,
		ws:   ws,
		tx:   make(chan model.Message, defaultSendQueueSize),
		done: make(chan struct{}),
		logger: logger.With().
			Uint64("conn", id).
			Str("remote", ws.RemoteAddr().String()).
			Logger(),
	}
}

func (c *Conn) ID() uint64 {
	return c.id
}

// Send queues msg for delivery. It fails if the connection is closed or
// the queue stays full for longer than the send timeout.
func (c *Conn) Send(msg model.Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	t := time.NewTimer(defaultSendTimeout)
	defer t.Stop()

	select {
	case c.tx <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-t.C:
		return ErrSendTimeout
	}
}

// Close stops both pumps. Queued messages that were not written yet are
// dropped. Closed is reported to the sink once the pumps are done.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

// serve runs the connection until either side closes it. The Open event
// must have been submitted before.
func (c *Conn) serve(sink model.EventSink) {
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go c.receiver(wg, sink)
	go c.sender(wg)
	wg.Wait()

	c.logger.Debug().Msg("connection closed")
	sink.Submit(model.Closed{ConnID: c.id})
}

func (c *Conn) sender(wg *sync.WaitGroup) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		_ = c.Close()
		// unblocks the receiver
		webSocketCloser(c.ws, &c.logger)
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-c.done:
			break SendLoop
		case <-pingTicker.C:
			wsErr := c.ws.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = c.ws.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			c.logger.Trace().Msg("ping sent")

		case msg := <-c.tx:
			b, wsErr := model.Encode(msg)
			if wsErr != nil {
				// nothing wrong with the connection itself
				c.logger.Error().Err(wsErr).Msg("failed to encode outgoing message")
				continue
			}

			wsErr = c.ws.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := c.ws.NextWriter(websocket.BinaryMessage)
			if wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to get websocket binary writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
			c.logger.Trace().Str("type", model.PayloadKind(msg.Payload)).Msg("message sent")
		}
	}
}

func (c *Conn) receiver(wg *sync.WaitGroup, sink model.EventSink) {
	defer func() {
		_ = c.Close()
		wg.Done()
	}()

	c.ws.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	}
	c.ws.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		mt, b, wsErr := c.ws.ReadMessage()
		if wsErr != nil {
			select {
			case <-c.done:
				// closed locally
			default:
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					c.logger.Debug().Err(wsErr).Msg("connection closed by peer")
				} else {
					c.logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
			}
			return
		}
		if mt != websocket.BinaryMessage {
			c.logger.Warn().Int("type", mt).Msg("ignoring non binary frame")
			continue
		}

		msg, wsErr := model.Decode(b)
		if wsErr != nil {
			c.logger.Error().Err(wsErr).Msg("failed to decode incoming message, dropping connection")
			return
		}
		c.logger.Trace().Str("type", model.PayloadKind(msg.Payload)).Msg("message received")
		sink.Submit(model.Received{Message: msg, ConnID: c.id})
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
