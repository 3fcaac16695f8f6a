package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ============================================================================
// HTTP Server
// ============================================================================
// Routes:
//   GET    /ws/state         live state feed (state_ws.go)
//   GET    /api/state        current snapshot
//   POST   /api/events       control event envelope, same format as IPC
//   GET    /api/races        race archive, newest first
//   DELETE /api/races/{id}   delete one race
//   DELETE /api/races        clear the archive
//   GET    /healthz
// ============================================================================

// raceArchive is the part of RaceStore the HTTP API needs.
type raceArchive interface {
	List(ctx context.Context) ([]RaceRecord, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// apiServer holds the HTTP API handlers.
type apiServer struct {
	races  raceArchive
	events chan<- Event
	hub    *Hub
	logger *slog.Logger
}

const apiMaxBody = 64 * 1024

func newAPIServer(races raceArchive, events chan<- Event, hub *Hub, logger *slog.Logger) *apiServer {
	return &apiServer{races: races, events: events, hub: hub, logger: logger}
}

// Register adds the API routes to mux.
func (a *apiServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", a.getState)
	mux.HandleFunc("POST /api/events", a.postEvent)
	mux.HandleFunc("GET /api/races", a.listRaces)
	mux.HandleFunc("DELETE /api/races/{id}", a.deleteRace)
	mux.HandleFunc("DELETE /api/races", a.clearRaces)
	mux.HandleFunc("GET /healthz", a.healthz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *apiServer) getState(w http.ResponseWriter, r *http.Request) {
	snap, err := queryState(r.Context(), a.events)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, fmt.Sprintf("state unavailable: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, newWSMessageSnapshot(snap))
}

func (a *apiServer) postEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, apiMaxBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read body")
		return
	}
	ev, err := UnmarshalEvent(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	select {
	case a.events <- ev:
		writeJSON(w, http.StatusAccepted, IPCResponse{Status: "ok"})
	default:
		writeJSONError(w, http.StatusServiceUnavailable, "event queue full")
	}
}

func (a *apiServer) listRaces(w http.ResponseWriter, r *http.Request) {
	list, err := a.races.List(r.Context())
	if err != nil {
		a.logger.Error("list races failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to list races")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *apiServer) deleteRace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "missing race id")
		return
	}
	if err := a.races.Delete(r.Context(), id); err != nil {
		a.logger.Error("delete race failed", "id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to delete race")
		return
	}
	a.logger.Info("race deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) clearRaces(w http.ResponseWriter, r *http.Request) {
	if err := a.races.Clear(r.Context()); err != nil {
		a.logger.Error("clear races failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to clear races")
		return
	}
	a.logger.Info("race archive cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) healthz(w http.ResponseWriter, _ *http.Request) {
	clients := 0
	if a.hub != nil {
		clients = a.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ws_clients": clients})
}

// runHTTPServer serves handler on port and shuts it down gracefully when ctx is
// canceled.
func runHTTPServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("HTTP server listening", "port", port)

	errCh := make(chan error, 1)
	go func() {
		// ErrServerClosed is the normal Shutdown result.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
