package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"creatorstudio/internal/status"
)

const wsWriteTimeout = 10 * time.Second

// JobEvents streams status events as Server-Sent Events.
func (a *App) JobEvents(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	jobID := chi.URLParam(r, "id")
	stream, err := a.Status.Open(r.Context(), userID, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 3000\n\n")
	flusher.Flush()

	seq := 0
	err = stream.Run(r.Context(), func(ev status.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		seq++
		if _, err := fmt.Fprintf(w, "id: %d\nevent: status\ndata: %s\n\n", seq, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		a.Logger.Debug().Err(err).Str("job_id", jobID).Msg("sse stream ended with error")
	}
}

// JobSocket streams status events over a WebSocket. Each text frame carries one event.
func (a *App) JobSocket(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "id")
	stream, err := a.Status.Open(r.Context(), userID, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	log := a.Logger.With().Str("job_id", jobID).Str("owner_id", userID).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// The client only ever sends close frames; reading surfaces them.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("websocket read failed")
				}
				return
			}
		}
	}()

	var last status.Event
	err = stream.Run(ctx, func(ev status.Event) error {
		last = ev
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	})
	if err != nil {
		log.Debug().Err(err).Msg("websocket stream ended with error")
		return
	}
	reason := "stream closed"
	switch {
	case last.Finished:
		reason = last.State
	case last.Message == status.LifetimeExceeded:
		reason = "lifetime exceeded"
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
}
