package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	sdkerrors "github.com/wehubfusion/Iris/pkg/errors"
	"github.com/wehubfusion/Iris/pkg/frames"
	"go.uber.org/zap"
)

const defaultQueueSize = 256

// BusOption configures a Bus
type BusOption func(*Bus)

// WithQueueSize sets the per-endpoint inbox capacity. Sends to a full inbox
// fail instead of blocking the sender.
func WithQueueSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

// Bus connects contexts hosted in the same process. Every attached context
// gets an Endpoint with its own delivery loop, which keeps delivery
// asynchronous for the sender and ordered per target.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[frames.ContextRef]*Endpoint
	queueSize int
	logger    *zap.Logger
	wg        sync.WaitGroup
	closed    bool
}

// NewBus creates an empty bus. A nil logger disables logging.
func NewBus(logger *zap.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		endpoints: make(map[frames.ContextRef]*Endpoint),
		queueSize: defaultQueueSize,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach creates the endpoint for context self, embedded in parent
// (frames.Current for a top-level context), and starts its delivery loop.
func (b *Bus) Attach(self, parent frames.ContextRef) (*Endpoint, error) {
	if self.IsCurrent() {
		return nil, sdkerrors.NewError("INVALID_CONTEXT", "context reference cannot be empty", sdkerrors.ErrInvalidSubject)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, sdkerrors.ErrClosed
	}
	if _, exists := b.endpoints[self]; exists {
		return nil, sdkerrors.NewError("CONTEXT_EXISTS", fmt.Sprintf("context %s already attached", self), nil)
	}

	ep := &Endpoint{
		bus:      b,
		self:     self,
		parent:   parent,
		handlers: make(map[string]Handler),
		inbox:    make(chan delivery, b.queueSize),
		done:     make(chan struct{}),
		logger:   b.logger.With(zap.String("context_ref", string(self))),
	}
	b.endpoints[self] = ep

	b.wg.Add(1)
	go ep.loop()

	b.logger.Debug("Context attached to bus",
		zap.String("context_ref", string(self)),
		zap.String("parent_ref", string(parent)))
	return ep, nil
}

// Detach stops the endpoint of ref. Pending deliveries are dropped.
func (b *Bus) Detach(ref frames.ContextRef) bool {
	b.mu.Lock()
	ep, ok := b.endpoints[ref]
	delete(b.endpoints, ref)
	b.mu.Unlock()

	if ok {
		ep.stop()
		b.logger.Debug("Context detached from bus", zap.String("context_ref", string(ref)))
	}
	return ok
}

// Close stops every endpoint and waits for their loops to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	endpoints := b.endpoints
	b.endpoints = make(map[frames.ContextRef]*Endpoint)
	b.mu.Unlock()

	for _, ep := range endpoints {
		ep.stop()
	}
	b.wg.Wait()
}

func (b *Bus) lookup(ref frames.ContextRef) (*Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.endpoints[ref]
	return ep, ok
}

func (b *Bus) others(except frames.ContextRef) []*Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Endpoint, 0, len(b.endpoints))
	for ref, ep := range b.endpoints {
		if ref != except {
			out = append(out, ep)
		}
	}
	return out
}

type delivery struct {
	ctx   context.Context
	env   *Envelope
	reply func(json.RawMessage, error)
	run   func()
}

// Endpoint is one context's view of the bus. It implements Messenger.
type Endpoint struct {
	bus      *Bus
	self     frames.ContextRef
	parent   frames.ContextRef
	mu       sync.RWMutex
	handlers map[string]Handler
	inbox    chan delivery
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

var _ Messenger = (*Endpoint)(nil)

// Self returns the endpoint's context reference.
func (e *Endpoint) Self() frames.ContextRef {
	return e.self
}

// Parent returns the embedding context, frames.Current at the top level.
func (e *Endpoint) Parent() frames.ContextRef {
	return e.parent
}

// Subscribe registers handler for command, replacing any previous one.
func (e *Endpoint) Subscribe(command string, handler Handler) error {
	if handler == nil {
		return sdkerrors.NewError("INVALID_HANDLER", "handler cannot be nil", sdkerrors.ErrInvalidHandler)
	}
	if command == "" {
		return sdkerrors.NewError("INVALID_COMMAND", "command cannot be empty", sdkerrors.ErrInvalidSubject)
	}

	wrapped := Chain(RecoveryMiddleware(e.logger), LoggingMiddleware(e.logger, command))(handler)

	e.mu.Lock()
	_, replaced := e.handlers[command]
	e.handlers[command] = wrapped
	e.mu.Unlock()

	e.logger.Info("Subscribed to command",
		zap.String("command", command),
		zap.Bool("replaced", replaced))
	return nil
}

// SendTo delivers command to target without waiting for it to be handled.
func (e *Endpoint) SendTo(ctx context.Context, target frames.ContextRef, command string, payload any) error {
	env, err := NewEnvelope(e.self, command, payload)
	if err != nil {
		return sdkerrors.NewError("MARSHAL_FAILED", "failed to marshal payload", err)
	}
	return e.deliver(ctx, target, delivery{env: env})
}

// SendToParentOrGlobal delivers command to the parent, or to every other
// attached context when this endpoint has no parent.
func (e *Endpoint) SendToParentOrGlobal(ctx context.Context, command string, payload any) error {
	env, err := NewEnvelope(e.self, command, payload)
	if err != nil {
		return sdkerrors.NewError("MARSHAL_FAILED", "failed to marshal payload", err)
	}

	if !e.parent.IsCurrent() {
		return e.deliver(ctx, e.parent, delivery{env: env})
	}

	var errs []error
	for _, ep := range e.bus.others(e.self) {
		if err := ep.enqueue(delivery{ctx: context.WithoutCancel(ctx), env: env}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep.self, err))
		}
	}
	if len(errs) > 0 {
		return sdkerrors.NewError("PUBLISH_FAILED", "broadcast partially failed", errors.Join(errs...))
	}
	return nil
}

// Request delivers command to target; onResponse runs on this endpoint's
// loop with the reply, or with an error if ctx ends first.
func (e *Endpoint) Request(ctx context.Context, target frames.ContextRef, command string, payload any, onResponse ResponseCallback) error {
	if onResponse == nil {
		return sdkerrors.NewError("INVALID_HANDLER", "response callback cannot be nil", sdkerrors.ErrInvalidHandler)
	}
	env, err := NewEnvelope(e.self, command, payload)
	if err != nil {
		return sdkerrors.NewError("MARSHAL_FAILED", "failed to marshal payload", err)
	}
	env.CorrelationID = uuid.NewString()

	var once sync.Once
	complete := func(data json.RawMessage, err error) {
		once.Do(func() {
			if qerr := e.enqueue(delivery{run: func() { onResponse(data, err) }}); qerr != nil {
				e.logger.Warn("Dropping response, requester unavailable",
					zap.String("command", command),
					zap.String("correlation_id", env.CorrelationID),
					zap.Error(qerr))
			}
		})
	}

	stop := context.AfterFunc(ctx, func() {
		complete(nil, fmt.Errorf("%w: %w", sdkerrors.ErrTimeout, ctx.Err()))
	})
	reply := func(data json.RawMessage, err error) {
		stop()
		complete(data, err)
	}

	if err := e.deliver(ctx, target, delivery{env: env, reply: reply}); err != nil {
		stop()
		return err
	}
	return nil
}

func (e *Endpoint) deliver(ctx context.Context, target frames.ContextRef, d delivery) error {
	if target.IsCurrent() {
		return sdkerrors.NewError("INVALID_TARGET", "target context cannot be empty", sdkerrors.ErrUnknownContext)
	}
	ep, ok := e.bus.lookup(target)
	if !ok {
		return sdkerrors.NewError("UNKNOWN_CONTEXT", fmt.Sprintf("context %s is not attached", target), sdkerrors.ErrUnknownContext)
	}
	d.ctx = context.WithoutCancel(ctx)
	if err := ep.enqueue(d); err != nil {
		return sdkerrors.NewError("PUBLISH_FAILED", fmt.Sprintf("failed to deliver %s to %s", d.env.Command, target), err)
	}
	return nil
}

func (e *Endpoint) enqueue(d delivery) error {
	select {
	case <-e.done:
		return sdkerrors.ErrClosed
	default:
	}
	select {
	case e.inbox <- d:
		return nil
	case <-e.done:
		return sdkerrors.ErrClosed
	default:
		return fmt.Errorf("%w: inbox full", sdkerrors.ErrPublishFailed)
	}
}

func (e *Endpoint) loop() {
	defer e.bus.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case d := <-e.inbox:
			e.dispatch(d)
		}
	}
}

func (e *Endpoint) dispatch(d delivery) {
	if d.run != nil {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Response callback panicked", zap.Any("panic", r))
			}
		}()
		d.run()
		return
	}

	e.mu.RLock()
	handler, ok := e.handlers[d.env.Command]
	e.mu.RUnlock()

	if !ok {
		e.logger.Debug("No handler for command",
			zap.String("command", d.env.Command),
			zap.String("sender", string(d.env.Sender)))
		if d.reply != nil {
			d.reply(nil, fmt.Errorf("%w: no handler for %s", sdkerrors.ErrNoResponse, d.env.Command))
		}
		return
	}

	var reply func(json.RawMessage)
	if d.reply != nil {
		reply = func(data json.RawMessage) { d.reply(data, nil) }
	}
	invoke(d.ctx, handler, d.env, reply, e.logger)
}

func (e *Endpoint) stop() {
	e.stopOnce.Do(func() { close(e.done) })
}
