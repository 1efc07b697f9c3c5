package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

func restartDefault(t *testing.T, env *testEnv) {
	t.Helper()
	f, ok := env.registry.Lookup(config.DefaultRuntime)
	if !ok {
		t.Fatal("default runtime not found")
	}
	if !f.Runtime().TriggerRestart() {
		t.Fatal("TriggerRestart returned false")
	}
	f.Runtime().Wait()
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	restartDefault(t, env)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/events?runtime=" + config.DefaultRuntime + "&limit=2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body listEventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// created, restart_started, restart_completed
	if body.Total != 3 {
		t.Errorf("total = %d, want 3", body.Total)
	}
	if len(body.Events) != 2 || body.Limit != 2 {
		t.Errorf("events = %d, limit = %d", len(body.Events), body.Limit)
	}
}

func TestListEventsByKind(t *testing.T) {
	env := newTestEnv(t)
	restartDefault(t, env)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/events?kind=" + model.EventRestartCompleted + "&limit=500&offset=-3")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body listEventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || body.Events[0].Kind != model.EventRestartCompleted {
		t.Errorf("body = %+v", body)
	}
	if body.Limit != maxListLimit || body.Offset != 0 {
		t.Errorf("limit/offset = %d/%d, want clamped %d/0", body.Limit, body.Offset, maxListLimit)
	}
}

func TestGetEvent(t *testing.T) {
	env := newTestEnv(t)

	evs, _, err := env.store.ListEvents(context.Background(), store.EventFilter{Limit: 1})
	if err != nil || len(evs) != 1 {
		t.Fatalf("ListEvents: %v, %d events", err, len(evs))
	}

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/events/" + evs[0].ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/v1/events/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp2.StatusCode)
	}
}

func TestEventStats(t *testing.T) {
	env := newTestEnv(t)
	restartDefault(t, env)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/events/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var stats store.EventStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 3 || stats.CountByKind[model.EventRestartCompleted] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.CountByRuntime[config.DefaultRuntime] != 3 {
		t.Errorf("count_by_runtime = %v", stats.CountByRuntime)
	}
}

func TestStreamEventsUnknownRuntime(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/events/stream?runtime=missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEvents(t *testing.T) {
	env := newTestEnv(t)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events/stream?runtime="+config.DefaultRuntime, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	// Headers are flushed after subscribing, so the restart is observed.
	f, _ := env.registry.Lookup(config.DefaultRuntime)
	if !f.Runtime().TriggerRestart() {
		t.Fatal("TriggerRestart returned false")
	}

	// Destroying the runtime ends the stream.
	go func() {
		f.Runtime().Wait()
		env.apps.Stop(context.Background())
	}()

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if kind, ok := strings.CutPrefix(line, "event: "); ok {
			kinds = append(kinds, kind)
		}
	}

	want := []string{model.EventRestartStarted, model.EventRestartCompleted, model.EventDestroyed, "done"}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("event kinds = %v, want %v", kinds, want)
	}
}
