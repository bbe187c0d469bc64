package api

import (
	"fmt"
	"net/http"
	"sync"
)

// hub fans snapshots out to Server-Sent Events clients. A client whose
// buffer is full misses the event instead of blocking the broadcaster.
type hub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	done    chan struct{}
	once    sync.Once
}

func newHub() *hub {
	return &hub{clients: map[chan []byte]struct{}{}, done: make(chan struct{})}
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request, initial []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}()

	writeEvent(w, initial)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case msg := <-ch:
			writeEvent(w, msg)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, data []byte) {
	_, _ = fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
}

func (h *hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
		}
	}
}

func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// closeAll ends every open stream so a graceful shutdown does not wait on them.
func (h *hub) closeAll() {
	h.once.Do(func() { close(h.done) })
}
