package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/hierchat/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Path is the endpoint peers connect to.
const Path = "/ws"

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 1 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	defaultSendQueueSize = 256
	defaultSendTimeout   = 2 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give peer to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	Config struct {
		Logger     *zerolog.Logger
		Sink       model.EventSink
		ListenAddr string
	}

	// Server accepts connections from other peers and reports them to
	// the sink.
	Server struct {
		sink model.EventSink
		ws   *websocket.Upgrader
		*http.Server

		mx    *sync.Mutex
		conns map[uint64]*Conn

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		sink:   cfg.Sink,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		mx:    &sync.Mutex{},
		conns: make(map[uint64]*Conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+Path, srv.accept)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	// hijacked connections are not closed by Shutdown
	srv.RegisterOnShutdown(srv.closeConns)
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) accept(w http.ResponseWriter, r *http.Request) {
	ws, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has replied already
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(ws, &srv.logger)
	srv.track(conn)
	conn.logger.Debug().Msg("connection accepted")

	srv.sink.Submit(model.Open{Conn: conn})
	go func() {
		conn.serve(srv.sink)
		srv.untrack(conn)
	}()
}

func (srv *Server) track(conn *Conn) {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	srv.conns[conn.ID()] = conn
}

func (srv *Server) untrack(conn *Conn) {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	delete(srv.conns, conn.ID())
}

func (srv *Server) closeConns() {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	for _, conn := range srv.conns {
		_ = conn.Close()
	}
}
