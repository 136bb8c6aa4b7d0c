// Package stream delivers response fragments to the transport in generation
// order. An emitter is single-use: it belongs to one turn, serializes all
// sends, and guarantees nothing is emitted after a terminal fragment.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/cloudwego/eino/schema"

	logx "github.com/pubx-real-estate/orchestrator/pkg/logger"
)

// ErrTerminated is returned for any send after a terminal fragment.
var ErrTerminated = errors.New("stream: emitter already terminated")

type FragmentType string

const (
	FragmentDelta FragmentType = "delta"
	FragmentTool  FragmentType = "tool"
	FragmentDone  FragmentType = "done"
	FragmentError FragmentType = "error"
)

// Fragment is one unit of the response stream.
type Fragment struct {
	Type    FragmentType `json:"type"`
	Seq     int          `json:"seq"`
	Text    string       `json:"text,omitempty"`
	Tool    string       `json:"tool,omitempty"`
	State   string       `json:"state,omitempty"`
	Payload any          `json:"payload,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Sink receives ordered fragments, e.g. an SSE writer.
type Sink interface {
	Send(Fragment) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Fragment) error

func (f SinkFunc) Send(frag Fragment) error { return f(frag) }

// Emitter serializes fragment delivery for one turn.
type Emitter struct {
	mu       sync.Mutex
	sink     Sink
	seq      int
	terminal bool
}

func NewEmitter(sink Sink) *Emitter {
	return &Emitter{sink: sink}
}

func (e *Emitter) send(frag Fragment, terminal bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminal {
		return ErrTerminated
	}
	e.seq++
	frag.Seq = e.seq
	if terminal {
		e.terminal = true
	}
	return e.sink.Send(frag)
}

// Delta emits one chunk of generated text.
func (e *Emitter) Delta(text string) error {
	if text == "" {
		return nil
	}
	return e.send(Fragment{Type: FragmentDelta, Text: text}, false)
}

// ToolProgress emits a synthetic event so the caller can show tool activity
// before generation resumes.
func (e *Emitter) ToolProgress(tool, state string) error {
	return e.send(Fragment{Type: FragmentTool, Tool: tool, State: state}, false)
}

// Done emits the final structured payload and terminates the stream.
func (e *Emitter) Done(payload any) error {
	return e.send(Fragment{Type: FragmentDone, Payload: payload}, true)
}

// Fail emits a terminal error fragment. The message must be safe to show a
// user; internal detail belongs in logs.
func (e *Emitter) Fail(message string) error {
	return e.send(Fragment{Type: FragmentError, Error: message}, true)
}

// Terminated reports whether a terminal fragment was already emitted.
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

// DrainAssistant forwards a model token stream as delta fragments and returns
// the concatenated assistant message. Cancellation of ctx stops the drain and
// closes the reader, which releases the underlying generation.
func (e *Emitter) DrainAssistant(ctx context.Context, sr *schema.StreamReader[*schema.Message]) (*schema.Message, error) {
	defer sr.Close()

	var chunks []*schema.Message
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if err := e.Delta(chunk.Content); err != nil {
			if errors.Is(err, ErrTerminated) {
				return nil, err
			}
			// sink write failure: the caller is gone
			logx.Warn().Err(err).Msg("fragment delivery failed, stopping drain")
			return nil, err
		}
	}

	if len(chunks) == 0 {
		return &schema.Message{Role: schema.Assistant}, nil
	}
	full, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, err
	}
	return full, nil
}
