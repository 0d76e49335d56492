package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush,
// which server-sent events require.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// PrepareSSE sets the response headers for a server-sent event stream and
// returns the flusher used after each frame.
func PrepareSSE(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, nil
}

// WriteFrame writes one event as a text-delimited SSE frame and flushes it.
func WriteFrame(w http.ResponseWriter, flusher http.Flusher, evt progress.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	flusher.Flush()
	return nil
}
