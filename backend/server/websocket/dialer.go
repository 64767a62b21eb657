package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/adwski/hierchat/backend/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultDialMaxElapsedTime = 10 * time.Second
	defaultDialMaxInterval    = 2 * time.Second
)

var (
	ErrDial           = errors.New("unable to connect to peer")
	ErrInvalidAddress = errors.New("invalid peer address")
)

type (
	DialerConfig struct {
		Logger *zerolog.Logger
		// MaxElapsedTime bounds all attempts of a single Dial.
		MaxElapsedTime time.Duration
	}

	// Dialer connects to other peers and retries with exponential backoff.
	Dialer struct {
		logger     zerolog.Logger
		ws         *websocket.Dialer
		maxElapsed time.Duration
	}
)

func NewDialer(cfg DialerConfig) *Dialer {
	d := &Dialer{
		logger: cfg.Logger.With().Str("component", "websocket-dialer").Logger(),
		ws: &websocket.Dialer{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
		},
		maxElapsed: cfg.MaxElapsedTime,
	}
	if d.maxElapsed <= 0 {
		d.maxElapsed = defaultDialMaxElapsedTime
	}
	return d
}

// Dial connects to the peer listening at address (ws://host:port). The
// Open event is submitted to sink before the connection starts reading.
func (d *Dialer) Dial(ctx context.Context, address string, sink model.EventSink) (model.Conn, error) {
	if !strings.HasPrefix(address, "ws://") && !strings.HasPrefix(address, "wss://") {
		return nil, errors.Join(ErrDial, ErrInvalidAddress)
	}
	url := strings.TrimSuffix(address, "/") + Path

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = defaultDialMaxInterval
	bo.MaxElapsedTime = d.maxElapsed

	var ws *websocket.Conn
	op := func() error {
		c, resp, err := d.ws.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
				// something is listening but it is not a peer
				return backoff.Permanent(err)
			}
			return err
		}
		ws = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		d.logger.Debug().Err(err).Str("address", address).Dur("retry_in", next).Msg("dial failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, errors.Join(ErrDial, err)
	}

	conn := newConn(ws, &d.logger)
	conn.logger.Debug().Str("address", address).Msg("connected")

	sink.Submit(model.Open{Conn: conn, Address: address})
	go conn.serve(sink)
	return conn, nil
}
