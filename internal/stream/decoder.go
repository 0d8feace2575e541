package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
)

// DoneMarker is the payload that terminates a stream.
const DoneMarker = "[DONE]"

var dataPrefix = []byte("data:")

// Decoder reads SSE data lines from an upstream body and yields events. It
// buffers across arbitrary chunk boundaries and only splits on '\n'.
// A Decoder is not safe for concurrent use and cannot be restarted.
type Decoder struct {
	r    *bufio.Reader
	done bool

	// Skipped counts payloads that were dropped because they were not valid
	// JSON objects.
	Skipped int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event. It returns io.EOF once the stream has ended,
// either because the [DONE] marker was seen or the input was exhausted. Any
// other error comes from the underlying reader and also ends the sequence.
func (d *Decoder) Next() (Event, error) {
	for {
		if d.done {
			return nil, io.EOF
		}

		line, readErr := d.r.ReadBytes('\n')
		if readErr != nil {
			// Whatever was buffered before the error is still a candidate,
			// but only a clean EOF lets a trailing partial line through.
			d.done = true
			if !errors.Is(readErr, io.EOF) {
				return nil, fmt.Errorf("stream: read: %w", readErr)
			}
		}

		evt, stop := d.decodeLine(line)
		if stop {
			d.done = true
			return nil, io.EOF
		}
		if evt != nil {
			return evt, nil
		}
	}
}

// decodeLine turns one line into an event. stop reports the [DONE] marker.
// Lines that are not data lines, and data lines whose payload does not parse,
// yield a nil event.
func (d *Decoder) decodeLine(line []byte) (evt Event, stop bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return nil, false
	}
	if string(payload) == DoneMarker {
		return nil, true
	}

	evt, err := Parse(payload)
	if err != nil {
		d.Skipped++
		log.Printf("stream: skipping malformed payload: %v: %.200s", err, payload)
		return nil, false
	}
	return evt, false
}
