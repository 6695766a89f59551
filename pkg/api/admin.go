package api

import (
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/valyala/fasthttp"

	"pulsespace/internal/maintenance"
	"pulsespace/pkg/utils"
)

type statsResponse struct {
	Keys        map[string]int `json:"keys"`
	Connections int            `json:"connections"`
	DiskUsage   uint64         `json:"diskUsageBytes"`
	DiskHuman   string         `json:"diskUsage"`
	Goroutines  int            `json:"goroutines"`
}

func (s *Server) Healthz(ctx *fasthttp.RequestCtx) {
	respond(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

// Readyz fails while the disk sensor is alerting.
func (s *Server) Readyz(ctx *fasthttp.RequestCtx) {
	if s.deps.Readiness != nil && s.deps.Readiness.Alerting() {
		utils.JSONErrorFast(ctx, fasthttp.StatusServiceUnavailable, "UNAVAILABLE", "disk usage above high watermark")
		return
	}
	respond(ctx, fasthttp.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) Stats(ctx *fasthttp.RequestCtx) {
	counts, err := s.deps.Store.Stats()
	if err != nil {
		fail(ctx, err)
		return
	}
	out := statsResponse{
		Keys:       counts,
		DiskUsage:  s.deps.Store.DiskUsage(),
		Goroutines: runtime.NumGoroutine(),
	}
	out.DiskHuman = humanize.Bytes(out.DiskUsage)
	if s.deps.Connections != nil {
		out.Connections = s.deps.Connections()
	}
	respond(ctx, fasthttp.StatusOK, out)
}

func (s *Server) RunMaintenance(ctx *fasthttp.RequestCtx) {
	if s.deps.Maintainer == nil {
		utils.JSONErrorFast(ctx, fasthttp.StatusServiceUnavailable, "UNAVAILABLE", "maintenance not configured")
		return
	}
	rep, err := s.deps.Maintainer.RunNow(ctx)
	if errors.Is(err, maintenance.ErrRunInProgress) {
		utils.JSONErrorFast(ctx, fasthttp.StatusConflict, "CONFLICT", err.Error())
		return
	}
	if err != nil {
		fail(ctx, err)
		return
	}
	respond(ctx, fasthttp.StatusOK, rep)
}
