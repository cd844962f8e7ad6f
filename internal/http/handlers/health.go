package handlers

import (
	"context"
	"net/http"
	"time"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := make(map[string]string, len(a.ready))
	code := http.StatusOK
	for name, ping := range a.ready {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if code != http.StatusOK {
		state = "degraded"
	}
	a.json(w, code, map[string]any{"status": state, "checks": checks})
}
