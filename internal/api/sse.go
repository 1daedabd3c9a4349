package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/teotikalki/laminar/internal/scheduler"
)

// sseClient is one event-stream subscriber. Messages are queued on a
// buffered channel; a subscriber that cannot keep up loses messages rather
// than blocking the scheduler.
type sseClient struct {
	id    string
	scope scheduler.MonitorScope
	ch    chan []byte
	done  chan struct{}
}

func newSSEClient(scope scheduler.MonitorScope) *sseClient {
	return &sseClient{
		id:    uuid.New().String(),
		scope: scope,
		ch:    make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

func (c *sseClient) Scope() scheduler.MonitorScope { return c.scope }

func (c *sseClient) Send(msg []byte) {
	select {
	case c.ch <- msg:
	case <-c.done:
	default:
		// slow subscriber, drop
	}
}

// LogFinished marks the end of a watched run's log stream.
func (c *sseClient) LogFinished() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// serveSSE registers the client, streams messages until the connection
// drops, and deregisters.
func serveSSE(w http.ResponseWriter, r *http.Request, eng *scheduler.Engine, scope scheduler.MonitorScope) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	c := newSSEClient(scope)
	eng.RegisterClient(c)
	defer eng.DeregisterClient(c)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.ch:
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
