package httpapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cesargomez89/crate/internal/app"
	"github.com/cesargomez89/crate/internal/catalog"
	"github.com/cesargomez89/crate/internal/config"
	"github.com/cesargomez89/crate/internal/domain"
	"github.com/cesargomez89/crate/internal/downloader"
	"github.com/cesargomez89/crate/internal/events"
	"github.com/cesargomez89/crate/internal/http/dto"
	"github.com/cesargomez89/crate/internal/logger"
	"github.com/cesargomez89/crate/internal/queue"
	"github.com/cesargomez89/crate/internal/store"
	"github.com/cesargomez89/crate/internal/telemetry"
)

type testServer struct {
	srv      *httptest.Server
	resolver *catalog.MockResolver
	settings *store.SettingsRepo
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.Discard()

	db, err := store.NewSQLiteDB(filepath.Join(t.TempDir(), "http.db"))
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	tel, err := telemetry.New(telemetry.Config{Enabled: true, ServiceName: "crate-test"})
	if err != nil {
		t.Fatalf("telemetry.New failed: %v", err)
	}

	resolver := catalog.NewMockResolver()
	bus := events.NewBus(log)
	engine := downloader.NewEngine(downloader.Options{OutputRoot: t.TempDir(), RetryBase: time.Hour}, downloader.Deps{
		Store:     queue.NewFileStore(filepath.Join(t.TempDir(), "queue.json"), log),
		Resolver:  resolver,
		History:   db,
		Bus:       bus,
		Telemetry: tel,
		Logger:    log,
	})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cfg := config.Load()
	settings := store.NewSettingsRepo(db)
	h := NewHandler(
		app.NewDownloadService(engine, resolver, bus, log),
		app.NewDownloadsService(db),
		settings,
		cfg,
		tel,
		log,
	)
	srv := httptest.NewServer(h.Router())

	t.Cleanup(func() {
		srv.Close()
		engine.Stop()
		bus.Close()
		db.Close()
	})
	return &testServer{srv: srv, resolver: resolver, settings: settings}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	return resp, data
}

func (ts *testServer) addAlbum(id string, n int) {
	tracks := make([]domain.TrackInfo, n)
	for i := range tracks {
		tracks[i] = domain.TrackInfo{ID: id + "-" + string(rune('a'+i)), Title: "Song", Artist: "Band", TrackNumber: i + 1}
	}
	ts.resolver.AddAlbum(catalog.AlbumInfo{ID: id, Title: "Record " + id, Artist: "Band"}, tracks)
}

func TestHandler_EnqueueAndList(t *testing.T) {
	ts := setupServer(t)
	ts.addAlbum("alb1", 2)

	resp, body := ts.do(t, http.MethodPost, "/api/queue/albums", `{"ids":["alb1"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", resp.StatusCode, body)
	}
	var created struct {
		Items []dto.ItemResponse `json:"items"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(created.Items) != 1 || created.Items[0].SourceID != "alb1" || created.Items[0].TotalTracks != 2 {
		t.Fatalf("Unexpected created items %+v", created.Items)
	}
	id := created.Items[0].ID

	resp, body = ts.do(t, http.MethodGet, "/api/queue", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var queueResp dto.QueueResponse
	if err := json.Unmarshal(body, &queueResp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(queueResp.Items) != 1 || queueResp.Items[0].ID != id {
		t.Errorf("Expected the item in the queue listing, got %+v", queueResp.Items)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/queue/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var item dto.ItemResponse
	if err := json.Unmarshal(body, &item); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(item.Tracks) != 2 {
		t.Errorf("Expected track details, got %d tracks", len(item.Tracks))
	}
}

func TestHandler_EnqueueErrors(t *testing.T) {
	ts := setupServer(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		kind   string
	}{
				{"bad json", "/api/queue/albums", `{`, http.StatusBadRequest, ""},
		{"empty ids", "/api/queue/albums", `{"ids":[]}`, http.StatusBadRequest, ""},
		{"placeholder id", "/api/queue/tracks", `{"ids":["null"]}`, http.StatusBadRequest, ""},
		{"unknown album", "/api/queue/albums", `{"ids":["nope"]}`, http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, tt.path, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("Expected %d, got %d: %s", tt.status, resp.StatusCode, body)
			}
			var errResp dto.ErrorResponse
			if err := json.Unmarshal(body, &errResp); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if errResp.Error == "" {
				t.Error("Expected an error message")
			}
			if errResp.Kind != tt.kind {
				t.Errorf("Expected kind %q, got %q", tt.kind, errResp.Kind)
			}
		})
	}
}

func TestHandler_ItemActions(t *testing.T) {
	ts := setupServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/queue/missing/cancel", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown item, got %d", resp.StatusCode)
	}

	ts.addAlbum("alb2", 1)
	ts.resolver.SetError("track:alb2-a", domain.TransientError("track", errors.New("status 503")))
	_, body := ts.do(t, http.MethodPost, "/api/queue/albums", `{"ids":["alb2"]}`)
	var created struct {
		Items []dto.ItemResponse `json:"items"`
	}
	if err := json.Unmarshal(body, &created); err != nil || len(created.Items) != 1 {
		t.Fatalf("Unexpected enqueue response %s", body)
	}
	id := created.Items[0].ID

	resp, body = ts.do(t, http.MethodPost, "/api/queue/"+id+"/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	resp, _ = ts.do(t, http.MethodPost, "/api/queue/"+id+"/cancel", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for cancelling twice, got %d", resp.StatusCode)
	}

	resp, body = ts.do(t, http.MethodDelete, "/api/queue/completed", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var count dto.CountResponse
	if err := json.Unmarshal(body, &count); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if count.Count != 1 {
		t.Errorf("Expected the cancelled item to be cleared, got %d", count.Count)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/queue/retry", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from retry, got %d", resp.StatusCode)
	}
}

func TestHandler_Settings(t *testing.T) {
	ts := setupServer(t)

	resp, _ := ts.do(t, http.MethodPut, "/api/settings/bogus", `{"value":"1"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown key, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodPut, "/api/settings/concurrency", `{"value":"42"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for out of range concurrency, got %d", resp.StatusCode)
	}

	resp, body := ts.do(t, http.MethodPut, "/api/settings/concurrency", `{"value":"4"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	var settings map[string]string
	if err := json.Unmarshal(body, &settings); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if settings[config.SettingConcurrency] != "4" {
		t.Errorf("Expected concurrency 4, got %q", settings[config.SettingConcurrency])
	}
	if stored, _ := ts.settings.Get(config.SettingConcurrency); stored != "4" {
		t.Errorf("Expected setting to be persisted, got %q", stored)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/settings/concurrency", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", resp.StatusCode)
	}
	if stored, _ := ts.settings.Get(config.SettingConcurrency); stored != "" {
		t.Errorf("Expected override to be removed, got %q", stored)
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	ts := setupServer(t)

	resp, body := ts.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("Unexpected health response %d: %s", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected metrics endpoint, got %d", resp.StatusCode)
	}
}

func TestHandler_UnknownKind(t *testing.T) {
	ts := setupServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/queue/videos", `{"ids":["x"]}`)
	if resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected unknown kind to be rejected, got %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrItemNotFound, http.StatusNotFound},
		{domain.ErrInvalidItem, http.StatusBadRequest},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrEngineStopped, http.StatusServiceUnavailable},
		{domain.NotFoundError("album", errors.New("gone")), http.StatusNotFound},
		{domain.RightsError("media", errors.New("blocked")), http.StatusUnavailableForLegalReasons},
		{domain.TransientError("album", errors.New("503")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
