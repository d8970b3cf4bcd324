// Package api exposes the HTTP surface: alert CRUD and transitions, admin
// checks and stats, the health probe, the metrics endpoint, and the
// websocket upgrade.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canopyhq/canopy/internal/auth"
)

// Deps carries everything the router serves. Hub may be nil in tests that
// do not exercise the push fabric.
type Deps struct {
	Verifier      *auth.Verifier
	Alerts        *AlertHandlers
	Admin         *AdminHandlers
	Pinger        Pinger
	Clients       ClientCounter
	PushHandler   http.HandlerFunc
	AllowedOrigin string
}

// Router handles HTTP routing.
type Router struct {
	mux       *http.ServeMux
	verifier  *auth.Verifier
	alerts    *AlertHandlers
	admin     *AdminHandlers
	pinger    Pinger
	clients   ClientCounter
	startedAt time.Time
	handler   http.Handler
}

// NewRouter assembles the full HTTP handler.
func NewRouter(deps Deps) http.Handler {
	r := &Router{
		mux:       http.NewServeMux(),
		verifier:  deps.Verifier,
		alerts:    deps.Alerts,
		admin:     deps.Admin,
		pinger:    deps.Pinger,
		clients:   deps.Clients,
		startedAt: time.Now(),
	}
	r.setupRoutes(deps)
	r.handler = withCORS(deps.AllowedOrigin, withRequestLog(r.mux))
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) setupRoutes(deps Deps) {
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.Handle("/metrics", promhttp.Handler())
	if deps.PushHandler != nil {
		r.mux.HandleFunc("/ws", deps.PushHandler)
	}

	r.mux.HandleFunc("/api/alerts", r.requireAdmin(func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			r.alerts.HandleList(w, req)
		case http.MethodPost:
			r.alerts.HandleCreate(w, req)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	r.mux.HandleFunc("/api/alerts/", r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
		id, action, ok := splitAlertPath(strings.TrimPrefix(req.URL.Path, "/api/alerts/"))
		if !ok {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		switch {
		case action == "" && req.Method == http.MethodGet:
			r.alerts.HandleGet(w, req, id)
		case action != "" && req.Method == http.MethodPut:
			r.alerts.HandleAction(w, req, id, action)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	r.mux.HandleFunc("/api/admin/alerts/", r.requireAdmin(func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/admin/alerts/")
		if rest == "stats" {
			if req.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			r.admin.HandleStats(w, req)
			return
		}
		id, action, ok := splitAlertPath(rest)
		if !ok || action != "cancel" {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if req.Method != http.MethodPut {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		r.alerts.HandleCancel(w, req, id)
	}))
	r.mux.HandleFunc("/api/admin/weather-check", r.requireAdmin(postOnly(r.admin.HandleWeatherCheck)))
	r.mux.HandleFunc("/api/admin/calendar-check", r.requireAdmin(postOnly(r.admin.HandleCalendarCheck)))
}

func postOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, req)
	}
}
