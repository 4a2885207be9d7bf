package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/kwv/roofmesh/footprint"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(publisher *footprint.Publisher, buildingsPath string) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			RunStatus string    `json:"runStatus"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			RunStatus: publisher.Progress().Status,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Run progress, as last published
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(publisher.Progress()); err != nil {
			log.Printf("Error encoding run status: %v", err)
		}
	})

	// Merged buildings of the last finished run
	mux.HandleFunc("/buildings.geojson", func(w http.ResponseWriter, r *http.Request) {
		f, err := os.Open(buildingsPath)
		if err != nil {
			http.Error(w, "No buildings available", http.StatusServiceUnavailable)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			http.Error(w, "No buildings available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeContent(w, r, "buildings.geojson", info.ModTime(), f)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		p := publisher.Progress()
		_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>roofmesh</title>
</head>
<body>
<p>Run %s: %s, %d of %d tiles</p>
<ul>
<li><a href="/status">/status</a></li>
<li><a href="/buildings.geojson">/buildings.geojson</a></li>
</ul>
</body>
</html>`, p.RunID, p.Status, p.Completed, p.Total)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}
