// Package httpserver exposes a recorder's live guidance graph and final
// composite over HTTP, for a companion UI or quick browser inspection
// during a capture session.
package httpserver

import (
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dscvr/panostitch/pano"
	"github.com/dscvr/panostitch/pipeline"
)

// Server serves a Recorder's live state: a health check, the recorder
// graph rendered with the current guidance ball overlaid, and the final
// multi-ring composite once a session finishes.
type Server struct {
	recorder *pipeline.Recorder
	graph    *pano.GraphDebugRenderer

	mu     sync.RWMutex
	result *pipeline.Result
}

// NewServer builds a Server around a live recorder and the debug renderer
// for its graph.
func NewServer(recorder *pipeline.Recorder, graph *pano.GraphDebugRenderer) *Server {
	return &Server{recorder: recorder, graph: graph}
}

// SetResult records the outcome of Recorder.Finish, making
// /composite-left.png and /composite-right.png available. Safe to call from any goroutine.
func (s *Server) SetResult(result *pipeline.Result) {
	s.mu.Lock()
	s.result = result
	s.mu.Unlock()
}

func (s *Server) currentResult() *pipeline.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// compositeHandler builds a handler serving one eye's final composite PNG.
func (s *Server) compositeHandler(eye pano.Eye) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := s.currentResult()
		if result == nil || result.Composites[eye] == nil {
			http.Error(w, "no composite available yet for this eye", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, result.Composites[eye].Img); err != nil {
			log.Printf("[HTTP] encoding composite PNG: %v", err)
		}
	}
}

// Handler builds the server's mux, wrapped with a request-logging
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := s.currentResult()
		status := struct {
			Status       string    `json:"status"`
			Timestamp    time.Time `json:"timestamp"`
			HasComposite bool      `json:"hasComposite"`
		}{
			Status:       "ok",
			Timestamp:    time.Now(),
			HasComposite: result != nil && len(result.Composites) > 0,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("[HTTP] encoding health status: %v", err)
		}
	})

	mux.HandleFunc("/graph.svg", func(w http.ResponseWriter, r *http.Request) {
		guidance := s.recorder.Guidance()
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := s.graph.RenderSVG(w, &guidance); err != nil {
			log.Printf("[HTTP] rendering graph SVG: %v", err)
		}
	})

	mux.HandleFunc("/graph.png", func(w http.ResponseWriter, r *http.Request) {
		guidance := s.recorder.Guidance()
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := s.graph.RenderPNG(w, &guidance); err != nil {
			log.Printf("[HTTP] rendering graph PNG: %v", err)
		}
	})

	mux.HandleFunc("/composite-left.png", s.compositeHandler(pano.EyeLeft))
	mux.HandleFunc("/composite-right.png", s.compositeHandler(pano.EyeRight))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>panorecorder</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#1a1a1a}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/graph.svg" alt="Recorder graph">
</body>
</html>`)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}
