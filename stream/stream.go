// Package stream multiplexes a toolloop.StreamResult onto a single
// downstream byte stream: either raw text chunks, or JSON event frames
// carrying text deltas followed by usage and duration trailers once the
// upstream stream has fully drained.
package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/relaycore/orchestrator/message"
	"github.com/relaycore/orchestrator/toolloop"
)

// FrameMode selects the downstream wire framing.
type FrameMode int

const (
	// Raw emits text chunks as-is, with no trailers.
	Raw FrameMode = iota
	// EventMode emits "data: <json>\n\n" frames, one per text/usage/duration event.
	EventMode
)

// EventType identifies the payload carried by one event frame.
type EventType string

const (
	EventText     EventType = "text"
	EventUsage    EventType = "usage"
	EventDuration EventType = "duration"
)

// Event is one event-framed message.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// flusher is satisfied by http.ResponseWriter among others; declared
// locally so this package does not need to import net/http.
type flusher interface {
	Flush()
}

// Write drains result into w according to mode, returning once the stream
// closes or an error interrupts it. If w implements flusher, each frame is
// flushed immediately so a client sees chunks as they arrive rather than
// buffered.
//
// If the upstream stream errors mid-flight, Write closes the output
// without emitting usage/duration trailers: the caller infers truncation
// from their absence, never from a partial frame. If a write to w fails
// (client disconnect), Write stops reading from result and returns that
// error; result.Close is always called before returning.
func Write(w io.Writer, result *toolloop.StreamResult, mode FrameMode) error {
	defer result.Close()

	flush, _ := w.(flusher)

	for chunk := range result.Chunks() {
		if err := writeFrame(w, mode, EventText, chunk); err != nil {
			return err
		}
		if flush != nil {
			flush.Flush()
		}
	}

	if err := result.Err(); err != nil {
		return nil
	}

	usage := result.FinalUsage()
	if usage != (message.TokenUsage{}) {
		if err := writeFrame(w, mode, EventUsage, usage); err != nil {
			return err
		}
	}

	duration := result.FinalDuration()
	if duration != (message.DurationUsage{}) {
		if err := writeFrame(w, mode, EventDuration, duration); err != nil {
			return err
		}
	}

	if flush != nil {
		flush.Flush()
	}
	return nil
}

func writeFrame(w io.Writer, mode FrameMode, typ EventType, payload any) error {
	if mode == Raw {
		if typ != EventText {
			return nil
		}
		_, err := io.WriteString(w, payload.(string))
		return err
	}

	b, err := json.Marshal(Event{Type: typ, Payload: payload})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
