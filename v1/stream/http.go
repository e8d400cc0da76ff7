// Package stream exposes document activity over HTTP: live lock and
// presence events via Server-Sent Events or WebSocket, and a combined
// point-in-time snapshot for clients that are catching up.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/penlab/go-cowrite/v1/bus"
	"github.com/penlab/go-cowrite/v1/lock"
	"github.com/penlab/go-cowrite/v1/metrics"
	"github.com/penlab/go-cowrite/v1/session"
)

// SSEHandler streams bus events over Server-Sent Events. The watched
// topic is taken from the "topic" query parameter; clients typically
// pass lock.Topic(doc) or session.Topic(doc).
func SSEHandler(b bus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			http.Error(w, "missing topic", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := b.Watch(ctx, topic)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		metrics.ActiveWatcherGauge.Inc()
		defer func() {
			metrics.ActiveWatcherGauge.Dec()
			cancel()
			_ = b.Unwatch(context.Background(), topic, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams bus events over WebSocket. The watched topic
// is taken from the "topic" query parameter.
func WebSocketHandler(b bus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			http.Error(w, "missing topic", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := b.Watch(ctx, topic)
		if err != nil {
			cancel()
			return
		}
		metrics.ActiveWatcherGauge.Inc()
		defer func() {
			metrics.ActiveWatcherGauge.Dec()
			cancel()
			_ = b.Unwatch(context.Background(), topic, ch)
		}()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// Snapshot is the point-in-time view of a document served by
// SnapshotHandler.
type Snapshot struct {
	DocumentID string            `json:"documentId"`
	Locks      []lock.Status     `json:"locks"`
	Sessions   []session.Session `json:"sessions"`
}

// SnapshotHandler serves the current lock table and active roster of a
// document as JSON. The document is taken from the "document" query
// parameter. New clients fetch a snapshot before subscribing to the
// live streams.
func SnapshotHandler(locks lock.Manager, sessions session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := r.URL.Query().Get("document")
		if documentID == "" {
			http.Error(w, "missing document", http.StatusBadRequest)
			return
		}
		ls, err := locks.DocumentStatus(r.Context(), documentID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		ss, err := sessions.ListActive(r.Context(), documentID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if ls == nil {
			ls = []lock.Status{}
		}
		if ss == nil {
			ss = []session.Session{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Snapshot{DocumentID: documentID, Locks: ls, Sessions: ss})
	}
}
