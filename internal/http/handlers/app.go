package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"creatorstudio/internal/infra"
	"creatorstudio/internal/intake"
	"creatorstudio/internal/middleware"
	"creatorstudio/internal/status"
)

// Pinger reports whether a backing store is reachable.
type Pinger func(ctx context.Context) error

type Config struct {
	Intake      *intake.Service
	Status      *status.Gateway
	Logger      infra.Logger
	CORSOrigins []string
	// Ready lists named dependency checks reported by the health endpoint.
	Ready map[string]Pinger
}

type App struct {
	Intake   *intake.Service
	Status   *status.Gateway
	Logger   infra.Logger
	ready    map[string]Pinger
	upgrader websocket.Upgrader
}

func NewApp(cfg Config) *App {
	origins := cfg.CORSOrigins
	return &App{
		Intake: cfg.Intake,
		Status: cfg.Status,
		Logger: infra.Component(cfg.Logger, "http"),
		ready:  cfg.Ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(origins, r.Header.Get("Origin"))
			},
		},
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
