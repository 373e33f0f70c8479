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

	"github.com/averin-dv/watchparty/model"
	"github.com/averin-dv/watchparty/torrent"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	// A magnet locator fits in well under 64KiB; anything larger is
	// not a transfer request.
	maxStartRequestBytes = 64 << 10
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RoomService interface {
		CreateRoom() string
		RoomState(roomID string) (model.RoomSnapshot, bool)
	}

	TransferManager interface {
		Start(locator string) (torrent.Status, error)
		Status() torrent.Status
		Remove()
		ServeMedia(w http.ResponseWriter, r *http.Request)
	}

	Server struct {
		logger zerolog.Logger
		rooms  RoomService
		swarm  TransferManager
		*http.Server
	}

	Config struct {
		Logger          *zerolog.Logger
		RoomService     RoomService
		TransferManager TransferManager
		ListenAddr      string
	}
)

type GenericResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type CreateRoomResponse struct {
	RoomID string `json:"room_id"`
}

type RoomStateResponse struct {
	Exists bool                `json:"exists"`
	State  *model.RoomSnapshot `json:"state,omitempty"`
}

type StartTransferRequest struct {
	Locator string `json:"locator"`
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		rooms:  cfg.RoomService,
		swarm:  cfg.TransferManager,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/room", srv.createRoom)
	r.HandleFunc("GET /api/room/{roomID}", srv.roomState)
	r.HandleFunc("POST /api/torrent", srv.startTransfer)
	r.HandleFunc("GET /api/torrent/status", srv.transferStatus)
	r.HandleFunc("GET /api/torrent/stream", srv.stream)
	r.HandleFunc("DELETE /api/torrent", srv.removeTransfer)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Range")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) createRoom(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	roomID := srv.rooms.CreateRoom()
	writeJSON(w, http.StatusOK, &GenericResponse{Data: CreateRoomResponse{RoomID: roomID}}, &srv.logger)
}

func (srv *Server) roomState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	roomID := r.PathValue("roomID")
	snap, ok := srv.rooms.RoomState(roomID)
	if !ok {
		writeJSON(w, http.StatusNotFound, &RoomStateResponse{Exists: false}, &srv.logger)
		return
	}
	writeJSON(w, http.StatusOK, &RoomStateResponse{Exists: true, State: &snap}, &srv.logger)
}

func (srv *Server) startTransfer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req StartTransferRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStartRequestBytes))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err = json.Unmarshal(body, &req); err != nil || req.Locator == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	srv.logger.Trace().Str("locator", req.Locator).Msg("got transfer start request")

	st, err := srv.swarm.Start(req.Locator)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()}, &srv.logger)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK", Data: st}, &srv.logger)
}

func (srv *Server) transferStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, srv.swarm.Status(), &srv.logger)
}

func (srv *Server) stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	srv.swarm.ServeMedia(w, r)
}

func (srv *Server) removeTransfer(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	srv.swarm.Remove()
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"}, &srv.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *zerolog.Logger) {
	b, err := json.Marshal(v)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		logger.Error().Err(err).Msg("failed to write response")
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
