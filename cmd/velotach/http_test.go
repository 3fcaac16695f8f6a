package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type fakeArchive struct {
	mu      sync.Mutex
	races   []RaceRecord
	err     error
	deleted []string
	cleared bool
}

func (f *fakeArchive) List(context.Context) ([]RaceRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RaceRecord{}, f.races...), nil
}

func (f *fakeArchive) Delete(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeArchive) Clear(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return nil
}

func newTestAPI(t *testing.T, archive *fakeArchive, events chan Event) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	newAPIServer(archive, events, newTestHub(t, 1, 1), testLogger()).Register(mux)
	return mux
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestAPI_ListRaces(t *testing.T) {
	archive := &fakeArchive{races: []RaceRecord{testRace("b"), testRace("a")}}
	h := newTestAPI(t, archive, nil)

	rec := serve(h, http.MethodGet, "/api/races", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var got []RaceRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[0].Winner != WinnerRunner1 {
		t.Fatalf("races = %+v", got)
	}
}

func TestAPI_ListRacesEmptyIsArray(t *testing.T) {
	h := newTestAPI(t, &fakeArchive{}, nil)
	rec := serve(h, http.MethodGet, "/api/races", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestAPI_DeleteAndClear(t *testing.T) {
	archive := &fakeArchive{}
	h := newTestAPI(t, archive, nil)

	if rec := serve(h, http.MethodDelete, "/api/races/abc-123", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := serve(h, http.MethodDelete, "/api/races", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("clear status = %d", rec.Code)
	}
	if len(archive.deleted) != 1 || archive.deleted[0] != "abc-123" || !archive.cleared {
		t.Fatalf("archive = %+v", archive)
	}
}

func TestAPI_StoreErrors(t *testing.T) {
	h := newTestAPI(t, &fakeArchive{err: errors.New("locked")}, nil)
	for _, tc := range []struct{ method, target string }{
		{http.MethodGet, "/api/races"},
		{http.MethodDelete, "/api/races/x"},
		{http.MethodDelete, "/api/races"},
	} {
		if rec := serve(h, tc.method, tc.target, ""); rec.Code != http.StatusInternalServerError {
			t.Fatalf("%s %s: status = %d", tc.method, tc.target, rec.Code)
		}
	}
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	h := newTestAPI(t, &fakeArchive{}, nil)
	if rec := serve(h, http.MethodPut, "/api/races", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPI_PostEvent(t *testing.T) {
	events := make(chan Event, 1)
	h := newTestAPI(t, &fakeArchive{}, events)

	rec := serve(h, http.MethodPost, "/api/events", `{"type":"race_lap","data":{"runner":2}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if ev := <-events; ev != (RaceLap{Runner: 2}) {
		t.Fatalf("event = %#v", ev)
	}

	if rec := serve(h, http.MethodPost, "/api/events", `{"type":"nope"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad event status = %d", rec.Code)
	}

	events <- ResetSession{}
	if rec := serve(h, http.MethodPost, "/api/events", `{"type":"reset"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("full queue status = %d", rec.Code)
	}
}

func TestAPI_State(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Event)
	go answerSnapshots(ctx, events, StateSnapshot{DistanceM: 42.123, Status: statusConnected})

	h := newTestAPI(t, &fakeArchive{}, events)
	rec := serve(h, http.MethodGet, "/api/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got wsMessageSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DistanceM != 42.12 || got.Status != statusConnected {
		t.Fatalf("state = %+v", got)
	}
}

func TestAPI_Healthz(t *testing.T) {
	h := newTestAPI(t, &fakeArchive{}, nil)
	rec := serve(h, http.MethodGet, "/healthz", "")
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["ws_clients"] != 0.0 {
		t.Fatalf("body = %v", body)
	}
}
