package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kapu/chess-arena/internal/obslog"
	"github.com/kapu/chess-arena/pkg/matchdto"
)

// Handler consumes decoded events from connected peers.
type Handler interface {
	HandleEvent(ctx context.Context, peer Peer, env matchdto.Envelope)
	OnDisconnect(ctx context.Context, peer Peer)
}

// Server accepts websocket connections and pumps their events into the
// handler. Authentication is out of scope; identity arrives as query
// parameters from the upstream proxy.
type Server struct {
	handler Handler
	httpSrv *http.Server
}

// NewServer builds a websocket server listening on addr.
func NewServer(addr string, h Handler) *Server {
	s := &Server{handler: h}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving connections until Shutdown.
func (s *Server) Start() error {
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	userName := strings.TrimSpace(r.URL.Query().Get("user_name"))
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	if userName == "" {
		userName = userID
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_failed", zap.Error(err))
		return
	}

	peer := NewPeer(uuid.NewString(), userID, userName, conn)
	obslog.L().Info("peer_connected",
		zap.String("conn_id", peer.ID()),
		zap.String("user_id", userID),
	)

	ctx := r.Context()
	for {
		var env matchdto.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			break
		}
		s.handler.HandleEvent(ctx, peer, env)
	}

	obslog.L().Info("peer_disconnected",
		zap.String("conn_id", peer.ID()),
		zap.String("user_id", userID),
	)
	s.handler.OnDisconnect(context.Background(), peer)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}
