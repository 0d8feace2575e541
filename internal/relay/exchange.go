package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/zulandar/chatrelay/internal/keyphrase"
	"github.com/zulandar/chatrelay/internal/metrics"
	"github.com/zulandar/chatrelay/internal/models"
	"github.com/zulandar/chatrelay/internal/store"
	"github.com/zulandar/chatrelay/internal/stream"
)

// State is the progress of one exchange. ConversationResolved and
// UserMessagePersisted are committed by the same transaction.
type State int

const (
	StateIdle State = iota
	StateConversationResolved
	StateUserMessagePersisted
	StateStreaming
	StateCompleting
	StateDone
	StateErrored
)

var stateNames = [...]string{
	StateIdle:                 "idle",
	StateConversationResolved: "conversation_resolved",
	StateUserMessagePersisted: "user_message_persisted",
	StateStreaming:            "streaming",
	StateCompleting:           "completing",
	StateDone:                 "done",
	StateErrored:              "errored",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Exchange is one in-flight user turn returned by Relay.Start.
type Exchange struct {
	relay    *Relay
	started  time.Time
	state    State
	app      *models.App
	conv     *models.Conversation
	userMsg  *models.Message
	upstream EventStream

	upstreamID   string
	assistantMsg *models.Message
	clientErr    error

	// terminalSent is set once the final event or a terminating error event
	// has been written; doneSent once [DONE] has.
	terminalSent bool
	doneSent     bool
}

// State returns the exchange's current state.
func (x *Exchange) State() State { return x.state }

// ConversationID returns the local conversation identifier.
func (x *Exchange) ConversationID() uint { return x.conv.ID }

// UserMessageID returns the identifier of the recorded user message.
func (x *Exchange) UserMessageID() uint { return x.userMsg.ID }

// AssistantMessageID returns the identifier of the committed assistant
// message, or 0 if none was committed.
func (x *Exchange) AssistantMessageID() uint {
	if x.assistantMsg == nil {
		return 0
	}
	return x.assistantMsg.ID
}

// Run relays the upstream answer to w and commits it. Every upstream payload
// is forwarded verbatim as it arrives. The stream written to w always ends
// with either the augmented message_end or an error event, followed by
// [DONE]. Failing writes to w stop forwarding only; the upstream is still
// drained and the answer still committed.
//
// The returned error describes what went wrong, if anything; it has already
// been reported to the client.
func (x *Exchange) Run(ctx context.Context, w io.Writer) (err error) {
	sw := stream.NewWriter(w)
	outcome := metrics.OutcomeCompleted
	defer func() {
		x.upstream.Close()
		if r := recover(); r != nil {
			log.Printf("relay: conversation %d: panic: %v", x.conv.ID, r)
			x.state = StateErrored
			outcome = metrics.OutcomeUpstreamErr
			if !x.terminalSent {
				x.terminalSent = true
				x.emit(sw, stream.NewErrorEvent("internal error while relaying the answer"))
			}
			if !x.doneSent {
				x.emitDone(sw)
			}
			err = fmt.Errorf("relay: panic: %v", r)
		}
		metrics.ObserveExchange(x.app.Name, outcome, x.relay.now().Sub(x.started))
	}()

	var (
		answer  strings.Builder
		events  []stream.Event
		end     *stream.MessageEndEvent
		upErr   *stream.ErrorEvent
		readErr error
	)
	for end == nil {
		evt, err := x.upstream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		metrics.ObserveEvent(evt.Name())
		events = append(events, evt)
		x.emit(sw, evt)

		switch e := evt.(type) {
		case *stream.MessageEvent:
			answer.WriteString(e.Answer)
			x.noteUpstreamID(e.ConversationID)
		case *stream.MessageEndEvent:
			x.noteUpstreamID(e.ConversationID)
			end = e
		case *stream.ErrorEvent:
			if upErr == nil {
				upErr = e
			}
		}
	}

	if end == nil {
		x.state = StateErrored
		x.terminalSent = true
		if upErr == nil {
			msg := "upstream stream ended before the answer was complete"
			if readErr != nil {
				msg = "upstream connection lost: " + readErr.Error()
			}
			x.emit(sw, stream.NewErrorEvent(msg))
		}
		x.emitDone(sw)
		switch {
		case readErr != nil:
			outcome = metrics.OutcomeUpstreamErr
			log.Printf("relay: conversation %d: %v", x.conv.ID, readErr)
			return readErr
		case upErr != nil:
			outcome = metrics.OutcomeUpstreamErr
			return fmt.Errorf("relay: upstream error: %s", upErr.Message)
		default:
			outcome = metrics.OutcomeTruncated
			log.Printf("relay: conversation %d: upstream stream truncated after %d events", x.conv.ID, len(events))
			return fmt.Errorf("relay: upstream stream truncated")
		}
	}

	x.state = StateCompleting
	full := answer.String()
	// A disconnecting client must not abort the commit.
	if err := x.complete(context.WithoutCancel(ctx), full, events); err != nil {
		x.state = StateErrored
		outcome = metrics.OutcomePersistErr
		log.Printf("relay: conversation %d: %v", x.conv.ID, err)
		x.terminalSent = true
		x.emit(sw, stream.NewErrorEvent("failed to save the answer: "+err.Error()))
		x.emitDone(sw)
		return err
	}

	final, err := augment(end.Raw(), x.assistantMsg.ID, full)
	x.terminalSent = true
	if err != nil {
		log.Printf("relay: conversation %d: augment message_end: %v", x.conv.ID, err)
		x.emit(sw, stream.NewErrorEvent("failed to build the final event"))
	} else if x.clientErr == nil {
		if werr := sw.WriteRaw(final); werr != nil {
			x.clientErr = werr
		}
	}
	x.emitDone(sw)
	x.state = StateDone
	if x.clientErr != nil {
		return fmt.Errorf("relay: client went away: %w", x.clientErr)
	}
	return nil
}

func (x *Exchange) noteUpstreamID(id string) {
	if x.upstreamID == "" && id != "" {
		x.upstreamID = id
	}
}

// emit forwards evt unless the client has already gone away.
func (x *Exchange) emit(sw *stream.Writer, evt stream.Event) {
	if x.clientErr != nil {
		return
	}
	if err := sw.WriteEvent(evt); err != nil {
		x.clientErr = err
		log.Printf("relay: conversation %d: client write failed, continuing without it: %v", x.conv.ID, err)
	}
}

func (x *Exchange) emitDone(sw *stream.Writer) {
	if x.clientErr == nil {
		if err := sw.WriteDone(); err != nil {
			x.clientErr = err
		}
	}
	x.doneSent = true
}

// complete commits the assistant message, retrying transient failures.
func (x *Exchange) complete(ctx context.Context, answer string, events []stream.Event) error {
	rawLog := make([]json.RawMessage, len(events))
	for i, evt := range events {
		rawLog[i] = evt.Raw()
	}
	rawJSON, err := json.Marshal(rawLog)
	if err != nil {
		return fmt.Errorf("relay: encode raw event log: %w", err)
	}
	kpJSON, err := json.Marshal(keyphrase.Extract(events))
	if err != nil {
		return fmt.Errorf("relay: encode keyphrases: %w", err)
	}
	rawStr, kpStr := string(rawJSON), string(kpJSON)

	r := x.relay
	for attempt := 1; ; attempt++ {
		msg := &models.Message{Content: answer, RawEvents: &rawStr, Keyphrases: &kpStr}
		err = r.store.CompleteExchange(ctx, x.conv.ID, x.upstreamID, msg)
		if err == nil {
			x.assistantMsg = msg
			return nil
		}
		if errors.Is(err, store.ErrNotFound) || attempt >= r.attempts {
			return fmt.Errorf("relay: commit answer (attempt %d/%d): %w", attempt, r.attempts, err)
		}
		log.Printf("relay: conversation %d: commit attempt %d failed, retrying: %v", x.conv.ID, attempt, err)
		metrics.ObserveCompleteRetry()
		if r.backoff > 0 {
			time.Sleep(time.Duration(attempt) * r.backoff)
		}
	}
}

// augment adds message_id and full_answer to a message_end payload, keeping
// every other field.
func augment(raw json.RawMessage, messageID uint, answer string) ([]byte, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	fields["message_id"] = messageID
	fields["full_answer"] = answer
	return json.Marshal(fields)
}
