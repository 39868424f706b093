// Package messenger carries named commands between isolated execution
// contexts. A context can address its parent, a specific child, or every
// context at once, and may attach a one-shot response callback.
//
// Handlers of one context never run concurrently: every implementation
// serializes delivery through a per-context loop, so code behind a Handler
// can treat its own state as single-threaded.
package messenger

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/wehubfusion/Iris/pkg/frames"
	"go.uber.org/zap"
)

// Responder answers a request exactly once. Later calls are ignored.
// A nil reply is delivered as JSON null.
type Responder func(reply any)

// Handler processes one inbound command. respond is nil when the sender
// did not ask for a response.
type Handler func(ctx context.Context, payload json.RawMessage, sender frames.ContextRef, respond Responder)

// ResponseCallback receives the remote reply of a request, or the error
// that prevented one.
type ResponseCallback func(reply json.RawMessage, err error)

// Messenger is the transport contract between contexts.
type Messenger interface {
	// Self returns the reference of the context this messenger belongs to.
	Self() frames.ContextRef

	// Subscribe registers the handler for command. Subscribing the same
	// command again replaces the previous handler.
	Subscribe(command string, handler Handler) error

	// SendTo delivers command to one child context without waiting for it to
	// be handled.
	SendTo(ctx context.Context, target frames.ContextRef, command string, payload any) error

	// SendToParentOrGlobal delivers command to the parent context, or to
	// every other context when there is no parent.
	SendToParentOrGlobal(ctx context.Context, command string, payload any) error

	// Request delivers command to target and invokes onResponse on this
	// context's loop once the reply arrives.
	Request(ctx context.Context, target frames.ContextRef, command string, payload any, onResponse ResponseCallback) error
}

// Envelope is the wire form of every message exchanged between contexts.
type Envelope struct {
	Command       string            `json:"command"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Sender        frames.ContextRef `json:"sender,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope for command.
func NewEnvelope(sender frames.ContextRef, command string, payload any) (*Envelope, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Command: command,
		Sender:  sender,
		Payload: data,
	}, nil
}

// ToBytes serializes the envelope.
func (e *Envelope) ToBytes() ([]byte, error) {
	return json.Marshal(e)
}

// EnvelopeFromBytes decodes an envelope.
func EnvelopeFromBytes(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if p == nil {
			return json.RawMessage("null"), nil
		}
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// onceResponder guards a reply function so it fires at most once.
type onceResponder struct {
	once    sync.Once
	done    atomic.Bool
	send    func(json.RawMessage)
	logger  *zap.Logger
	command string
}

func newOnceResponder(command string, logger *zap.Logger, send func(json.RawMessage)) *onceResponder {
	return &onceResponder{send: send, logger: logger, command: command}
}

func (r *onceResponder) respond(reply any) {
	r.once.Do(func() {
		r.done.Store(true)

		data, err := marshalPayload(reply)
		if err != nil {
			r.logger.Error("Failed to marshal reply, answering null",
				zap.String("command", r.command),
				zap.Error(err))
			data = json.RawMessage("null")
		}
		r.send(data)
	})
}

func (r *onceResponder) responded() bool {
	return r.done.Load()
}

// invoke runs handler and makes sure a requester always gets an answer,
// replying null on the handler's behalf when it did not respond.
func invoke(ctx context.Context, handler Handler, env *Envelope, reply func(json.RawMessage), logger *zap.Logger) {
	if reply == nil {
		handler(ctx, env.Payload, env.Sender, nil)
		return
	}

	responder := newOnceResponder(env.Command, logger, reply)
	defer func() {
		if !responder.responded() {
			responder.respond(nil)
		}
	}()
	handler(ctx, env.Payload, env.Sender, responder.respond)
}
