package transport

import (
	"context"
	"fmt"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/kapu/chess-arena/internal/obslog"
)

// Stats is the small surface the health endpoint reads.
type Stats interface {
	QueueLen() int
	LiveMatches() int
}

// HealthServer serves liveness and counters on a side listener, kept apart
// from the websocket listener so probes never contend with game traffic.
type HealthServer struct {
	addr  string
	stats Stats
	srv   *fasthttp.Server
}

// NewHealthServer builds the side listener.
func NewHealthServer(addr string, stats Stats) *HealthServer {
	h := &HealthServer{addr: addr, stats: stats}
	h.srv = &fasthttp.Server{Handler: h.handle}
	return h
}

// Start blocks serving until Shutdown.
func (h *HealthServer) Start() error {
	obslog.L().Info("health_listen", zap.String("addr", h.addr))
	return h.srv.ListenAndServe(h.addr)
}

// Shutdown stops the listener.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	return h.srv.ShutdownWithContext(ctx)
}

func (h *HealthServer) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	case "/stats":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		fmt.Fprintf(ctx, `{"queue_len":%d,"live_matches":%d}`, h.stats.QueueLen(), h.stats.LiveMatches())
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}
