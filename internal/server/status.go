package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MeKo-Tech/mvtimagery/internal/imagery"
	"github.com/MeKo-Tech/mvtimagery/internal/scheduler"
	"github.com/MeKo-Tech/mvtimagery/internal/tilecache"
)

// Status is the JSON document served on /status.
type Status struct {
	Uptime string                `json:"uptime"`
	Render RenderStatus          `json:"render"`
	Layers []LayerStatus         `json:"layers"`
	Pools  []scheduler.PoolStats `json:"pools"`
}

// RenderStatus counts tile requests since start.
type RenderStatus struct {
	Active   int   `json:"active"`
	Rendered int64 `json:"rendered"`
	Failed   int64 `json:"failed"`
	Rejected int64 `json:"rejected"`
}

// LayerStatus describes one live layer.
type LayerStatus struct {
	ID       string           `json:"id"`
	Provider imagery.Status   `json:"provider"`
	Cache    *tilecache.Stats `json:"cache,omitempty"`
}

// Status returns the current state of the server.
func (s *Server) Status() Status {
	st := Status{
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Render: RenderStatus{
			Active:   int(s.active.Load()),
			Rendered: s.rendered.Load(),
			Failed:   s.failed.Load(),
			Rejected: s.rejected.Load(),
		},
		Layers: []LayerStatus{},
		Pools:  []scheduler.PoolStats{},
	}
	for _, l := range s.cfg.Layers.All() {
		ls := LayerStatus{ID: l.ID, Provider: l.Provider.Status()}
		if l.Cache != nil {
			cs := l.Cache.Stats()
			ls.Cache = &cs
		}
		st.Layers = append(st.Layers, ls)
	}
	if s.cfg.Scheduler != nil {
		st.Pools = s.cfg.Scheduler.Stats()
	}
	return st
}

// StatusHandler serves the status as JSON.
func (s *Server) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
			s.log().Error("failed to encode status", "error", err)
			http.Error(w, "failed to encode status", http.StatusInternalServerError)
		}
	})
}

// StatusStreamHandler pushes the status as Server-Sent Events, so a viewer
// can watch queues drain without polling.
func (s *Server) StatusStreamHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()

		s.sendStatusEvent(w, flusher)
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				s.sendStatusEvent(w, flusher)
			}
		}
	})
}

func (s *Server) sendStatusEvent(w http.ResponseWriter, flusher http.Flusher) {
	data, err := json.Marshal(s.Status())
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
