package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClientCounter reports how many push clients are connected.
type ClientCounter interface {
	ClientCount() int
}

type healthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	PushClients int    `json:"pushClients"`
	Uptime      string `json:"uptime"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{
		Status:   "healthy",
		Database: "connected",
		Uptime:   time.Since(r.startedAt).Round(time.Second).String(),
	}
	if r.clients != nil {
		resp.PushClients = r.clients.ClientCount()
	}
	status := http.StatusOK
	if r.pinger != nil {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := r.pinger.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}
