package httptransport

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Store    Pinger
	Cache    Pinger
	Catalog  Catalog
	Rooms    Rooms
	Accounts Accounts
	Auth     Authenticator
	Cases    CaseWriter
	Payouts  PayoutRunner
	WS       http.Handler
	AdminKey string
}

func NewRouter(d Deps) *chi.Mux {
	fairnessHandlers := NewFairnessHandlers(d.Catalog)
	battleHandlers := NewBattleHandlers(d.Rooms)
	accountHandlers := NewAccountHandlers(d.Accounts)
	adminHandlers := NewAdminHandlers(d.Cases, d.Payouts)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.With(APILogMiddleware()).Get("/healthz", Health(d.Store, d.Cache))
	if d.WS != nil {
		r.Get("/ws", d.WS.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(APILogMiddleware())
		r.Post("/fairness/verify", fairnessHandlers.Verify())
		r.Get("/battles", battleHandlers.List())
		r.Get("/battles/{room_id}", battleHandlers.Details())

		r.Group(func(r chi.Router) {
			r.Use(UserAuthMiddleware(d.Auth))
			r.Get("/me", accountHandlers.Me())
			r.Get("/me/history", accountHandlers.History())
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuthMiddleware(d.AdminKey))
			r.Use(AdminAuditMiddleware(4096))
			r.Put("/cases/{case_id}", adminHandlers.PutCase())
			r.Post("/payouts/process", adminHandlers.ProcessPayouts())
			r.Get("/debug/vars", expvar.Handler().ServeHTTP)
		})
	})
	return r
}

// Health reports the system of record and the shared cache separately; either
// being down fails the probe.
func Health(st, c Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"ok": true, "db": "up", "cache": "up"}
		status := http.StatusOK
		if st == nil || st.Ping(r.Context()) != nil {
			resp["ok"], resp["db"] = false, "down"
			status = http.StatusServiceUnavailable
		}
		if c == nil || c.Ping(r.Context()) != nil {
			resp["ok"], resp["cache"] = false, "down"
			status = http.StatusServiceUnavailable
		}
		if status != http.StatusOK {
			metricHealthDown.Add(1)
		}
		writeJSON(w, status, resp)
	}
}

func LogRoutes(r chi.Router) {
	type routeDef struct {
		Method string
		Path   string
	}
	routes := make([]routeDef, 0, 16)
	err := chi.Walk(r, func(method string, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, routeDef{Method: method, Path: route})
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("walk routes failed")
		return
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path == routes[j].Path {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Path < routes[j].Path
	})
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Registered routes (%d):\n", len(routes)))
	for _, rt := range routes {
		b.WriteString(fmt.Sprintf("  %-6s %s\n", rt.Method, rt.Path))
	}
	fmt.Print(b.String())
}
