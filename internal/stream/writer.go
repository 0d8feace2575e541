package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Writer frames payloads as SSE data lines toward a client, flushing after
// every frame when the destination supports it.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps w. If w implements http.Flusher each frame is flushed as
// soon as it is written.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// WriteRaw writes one already-encoded JSON payload as a data frame.
func (sw *Writer) WriteRaw(payload []byte) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("stream: write: %w", err)
	}
	sw.flush()
	return nil
}

// WriteEvent forwards an event verbatim.
func (sw *Writer) WriteEvent(evt Event) error {
	return sw.WriteRaw(evt.Raw())
}

// WriteJSON encodes v and writes it as a data frame.
func (sw *Writer) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream: encode: %w", err)
	}
	return sw.WriteRaw(data)
}

// WriteDone writes the end-of-transmission marker.
func (sw *Writer) WriteDone() error {
	if _, err := io.WriteString(sw.w, "data: "+DoneMarker+"\n\n"); err != nil {
		return fmt.Errorf("stream: write: %w", err)
	}
	sw.flush()
	return nil
}

func (sw *Writer) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}
