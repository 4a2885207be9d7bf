package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kwv/roofmesh/footprint"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// runningPublisher returns a Publisher midway through a four tile run.
func runningPublisher() *footprint.Publisher {
	p := footprint.NewPublisher(nil, "")
	p.RunStarted("run-1", "scene.las", 4)
	tile := footprint.Tile{ID: 0, Bounds: footprint.BoundingBox{MaxX: 10, MaxY: 10}}
	_ = p.Append(footprint.TileOutcome{Tile: tile})
	return p
}

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// endpoints
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	h := newHTTPServer(runningPublisher(), "")
	rec := serve(t, h, "/health")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
		RunStatus string    `json:"runStatus"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.RunStatus != footprint.RunRunning {
		t.Errorf("runStatus = %q, want %q", body.RunStatus, footprint.RunRunning)
	}
	if body.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := newHTTPServer(runningPublisher(), "")
	rec := serve(t, h, "/status")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var p footprint.Progress
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.RunID != "run-1" || p.Total != 4 || p.Completed != 1 || p.Empty != 1 {
		t.Errorf("unexpected progress %+v", p)
	}
	if rec.Header().Get("Cache-Control") != "no-cache" {
		t.Error("expected Cache-Control no-cache")
	}
}

func TestStatusEndpointIdle(t *testing.T) {
	h := newHTTPServer(footprint.NewPublisher(nil, ""), "")
	rec := serve(t, h, "/status")

	var p footprint.Progress
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != "idle" {
		t.Errorf("status = %q, want idle", p.Status)
	}
}

func TestBuildingsEndpoint(t *testing.T) {
	t.Run("not yet written", func(t *testing.T) {
		h := newHTTPServer(runningPublisher(), filepath.Join(t.TempDir(), "buildings.geojson"))
		rec := serve(t, h, "/buildings.geojson")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("served", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "buildings.geojson")
		buildings := []footprint.MergedBuilding{{
			BuildingID: 1,
			Geometry:   footprint.BoundingBox{MaxX: 10, MaxY: 8}.Polygon(),
			Area:       80,
		}}
		if err := footprint.WriteBuildingsFile(path, buildings); err != nil {
			t.Fatalf("WriteBuildingsFile: %v", err)
		}
		want, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}

		h := newHTTPServer(runningPublisher(), path)
		rec := serve(t, h, "/buildings.geojson")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/geo+json" {
			t.Errorf("Content-Type = %q, want application/geo+json", ct)
		}
		if rec.Body.String() != string(want) {
			t.Error("body differs from the buildings file")
		}
	})
}

func TestIndexPage(t *testing.T) {
	h := newHTTPServer(runningPublisher(), "")
	rec := serve(t, h, "/")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Run run-1: running, 1 of 4 tiles", `href="/status"`, `href="/buildings.geojson"`} {
		if !strings.Contains(body, want) {
			t.Errorf("index page missing %q", want)
		}
	}
}

func TestUnknownPath(t *testing.T) {
	h := newHTTPServer(runningPublisher(), "")
	if rec := serve(t, h, "/tiles/3"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
