package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, tel *Telemetry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestTelemetry_Disabled(t *testing.T) {
	tel, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tel.RecordDownload("completed", time.Second, 10)
	tel.IncrementActiveDownloads()
	tel.RecordQueue(map[string]int{"QUEUED": 1})

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 when disabled, got %d", rec.Code)
	}

	var nilTel *Telemetry
	nilTel.DecrementActiveDownloads()
	if err := nilTel.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected nil telemetry shutdown to succeed, got %v", err)
	}
}

func TestTelemetry_RecordsDownloads(t *testing.T) {
	tel, err := New(Config{Enabled: true, ServiceName: "crate-test"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	tel.IncrementActiveDownloads()
	tel.RecordDownload("completed", 2*time.Second, 4096)
	tel.DecrementActiveDownloads()
	tel.RecordQueue(map[string]int{"QUEUED": 3})

	body := scrape(t, tel)
	for _, want := range []string{"downloads_total", "downloads_active", "download_duration_seconds", "queue_items", `status="completed"`} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}

func TestTelemetry_Middleware(t *testing.T) {
	tel, err := New(Config{Enabled: true, ServiceName: "crate-test"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	r := chi.NewRouter()
	r.Use(tel.Middleware)
	r.Get("/api/queue/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queue/abc", nil))

	body := scrape(t, tel)
	if !strings.Contains(body, `route="/api/queue/{id}"`) {
		t.Error("Expected route pattern label")
	}
	if !strings.Contains(body, `status="4xx"`) {
		t.Error("Expected status class label")
	}
}

func TestGetStatusClass(t *testing.T) {
	for code, want := range map[int]string{200: "2xx", 302: "3xx", 404: "4xx", 503: "5xx", 100: "unknown"} {
		if got := getStatusClass(code); got != want {
			t.Errorf("getStatusClass(%d) = %s, want %s", code, got, want)
		}
	}
}
