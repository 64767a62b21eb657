package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/hierchat/backend/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	maxRequestBody = 64 << 10
)

var (
	ErrUnexpected = errors.New("unexpected server error")

	errNoRoom      = errors.New("not in a room")
	errBadMessage  = errors.New("exactly one of text or notification must be set")
	errNotInRoom   = errors.New("messages can only be sent by admin or member")
	errBadEncoding = errors.New("request body is not valid json")
)

// RoomService is the read surface of the state machine plus its event queue.
type RoomService interface {
	Room() (model.Room, bool)
	Role() model.Role
	History() []model.HistoryEntry
	Submit(model.Event)
}

type MessageRequest struct {
	Text         *string `json:"text,omitempty"`
	Notification *string `json:"notification,omitempty"`
}

type RoomResponse struct {
	Role      string          `json:"role"`
	Name      string          `json:"name"`
	Version   uint64          `json:"version"`
	Hierarchy model.Hierarchy `json:"hierarchy"`
}

type HistoryItem struct {
	Author model.Peer `json:"author"`
	Kind   string     `json:"kind"`
	Body   string     `json:"body"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	// Gatherer is exposed at /metrics if set.
	Gatherer   prometheus.Gatherer
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/room", srv.getRoom)
	r.HandleFunc("GET /api/history", srv.getHistory)
	r.HandleFunc("POST /api/message", srv.postMessage)
	r.HandleFunc("OPTIONS /", corsHandler)
	if cfg.Gatherer != nil {
		r.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) getRoom(w http.ResponseWriter, _ *http.Request) {
	role := srv.svc.Role()
	room, ok := srv.svc.Room()
	if !ok {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{
			Error: errNoRoom.Error(),
			Data:  RoomResponse{Role: role.String()},
		})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: RoomResponse{
		Role:      role.String(),
		Name:      room.Name,
		Version:   room.Version,
		Hierarchy: room.Hierarchy,
	}})
}

func (srv *Server) getHistory(w http.ResponseWriter, _ *http.Request) {
	history := srv.svc.History()
	items := make([]HistoryItem, 0, len(history))
	for _, e := range history {
		items = append(items, HistoryItem{
			Author: e.Author,
			Kind:   model.Kind(e.Body),
			Body:   e.Body.String(),
		})
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: items})
}

func (srv *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil || json.Unmarshal(body, &req) != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: errBadEncoding.Error()})
		return
	}

	srv.logger.Trace().Any("request", req).Msg("got message request")

	var payload model.ForwardPayload
	switch {
	case req.Text != nil && req.Notification == nil:
		payload = model.Text(*req.Text)
	case req.Notification != nil && req.Text == nil:
		payload = model.Notification(*req.Notification)
	default:
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: errBadMessage.Error()})
		return
	}

	if role := srv.svc.Role(); role != model.RoleAdmin && role != model.RoleMember {
		srv.writeJSON(w, http.StatusConflict, &GenericResponse{Error: errNotInRoom.Error()})
		return
	}

	srv.svc.Submit(model.SubmitMessage{Payload: payload})
	srv.writeJSON(w, http.StatusAccepted, &GenericResponse{Message: "queued"})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, code, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
