package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/session"
	"github.com/harunnryd/hrcall/pkg/store"
	"github.com/harunnryd/hrcall/pkg/store/filestore"
	"github.com/harunnryd/hrcall/pkg/store/storetest"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Gateway) {
	t.Helper()
	st, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"call_a", "call_b", "call_c"} {
		if _, err := st.Save(context.Background(), storetest.Sample(id, start.Add(time.Duration(i)*time.Minute), 30)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "hrcall_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := New(Options{
		Store:    st,
		Registry: session.NewRegistry(),
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Version:  "1.2.3",
	})
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)
	return server, st
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestRootAndHealth(t *testing.T) {
	server, _ := newTestServer(t)

	var root rootResponse
	if code := getJSON(t, server.URL+"/", &root); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if root.Status != "running" || root.Service != ServiceName || root.Version != "1.2.3" {
		t.Fatalf("unexpected root %+v", root)
	}

	var health healthResponse
	if code := getJSON(t, server.URL+"/health", &health); code != http.StatusOK || health.Status != "healthy" {
		t.Fatalf("unexpected health %d %+v", code, health)
	}
}

func TestListCallsOrderAndLimit(t *testing.T) {
	server, _ := newTestServer(t)

	var list listResponse
	if code := getJSON(t, server.URL+"/calls?limit=2", &list); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(list.Calls) != 2 || list.Calls[0].ID != "call_c" || list.Calls[1].ID != "call_b" {
		t.Fatalf("unexpected calls %+v", list.Calls)
	}

	if code := getJSON(t, server.URL+"/calls?limit=abc", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestGetCall(t *testing.T) {
	server, _ := newTestServer(t)

	var record call.Completed
	if code := getJSON(t, server.URL+"/calls/call_a", &record); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if record.ID != "call_a" || record.DurationSeconds != 30 {
		t.Fatalf("unexpected record %+v", record)
	}

	var missing errorResponse
	if code := getJSON(t, server.URL+"/calls/nope", &missing); code != http.StatusNotFound || missing.Error != "Call not found" {
		t.Fatalf("unexpected 404 body %d %+v", code, missing)
	}
	if code := getJSON(t, server.URL+"/calls/..%2Fetc", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unsafe id, got %d", code)
	}
}

func TestStats(t *testing.T) {
	server, _ := newTestServer(t)

	var stats call.Stats
	if code := getJSON(t, server.URL+"/stats", &stats); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if stats.TotalCalls != 3 || stats.TotalDurationSeconds != 90 || stats.AverageDurationSeconds != 30 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.MostRecent == nil || stats.MostRecent.ID != "call_c" {
		t.Fatalf("unexpected most recent %+v", stats.MostRecent)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "hrcall_test_total 1") {
		t.Fatalf("expected counter in scrape output")
	}
}

type brokenStore struct{ store.Gateway }

func (brokenStore) List(ctx context.Context, limit int) ([]call.Completed, error) {
	return nil, errors.New("disk on fire")
}

func TestStoreErrorsAreHidden(t *testing.T) {
	srv := New(Options{Store: brokenStore{}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calls", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "disk") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}

func TestHealthWhileDraining(t *testing.T) {
	reg := session.NewRegistry()
	reg.SetDraining(true)
	srv := New(Options{Store: brokenStore{}, Registry: reg})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
