package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	sdkerrors "github.com/wehubfusion/Iris/pkg/errors"
	"github.com/wehubfusion/Iris/pkg/frames"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Conn defines the subset of NATS operations the messenger depends on.
// This allows tests to provide a fake without requiring a running server.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	Subscribe(subject string, cb nats.MsgHandler) (Subscription, error)
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

// Subscription abstracts the subscription operations the messenger uses.
type Subscription interface {
	Unsubscribe() error
}

// WrapNATSConn adapts a *nats.Conn to the Conn interface.
func WrapNATSConn(nc *nats.Conn) Conn {
	return &natsConnAdapter{nc: nc}
}

type natsConnAdapter struct {
	nc *nats.Conn
}

func (a *natsConnAdapter) PublishMsg(msg *nats.Msg) error {
	return a.nc.PublishMsg(msg)
}

func (a *natsConnAdapter) Subscribe(subject string, cb nats.MsgHandler) (Subscription, error) {
	return a.nc.Subscribe(subject, cb)
}

func (a *natsConnAdapter) RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error) {
	return a.nc.RequestMsgWithContext(ctx, msg)
}

// NATSConfig configures a NATSMessenger
type NATSConfig struct {
	// Prefix namespaces every subject (e.g. "iris")
	Prefix string

	// Self is the context this messenger belongs to
	Self frames.ContextRef

	// Parent is the embedding context; frames.Current for a top-level document
	Parent frames.ContextRef

	// RequestTimeout bounds requests whose context carries no deadline
	RequestTimeout time.Duration

	// QueueSize is the capacity of the delivery loop
	QueueSize int
}

// NATSMessenger implements Messenger over NATS core subjects:
//
//	<prefix>.ctx.<ref>.<command>   addressed delivery
//	<prefix>.global.<command>      broadcast when there is no parent
//
// Inbound messages are handed to a single loop goroutine so handlers run
// one at a time in arrival order.
type NATSMessenger struct {
	conn       Conn
	cfg        NATSConfig
	logger     *zap.Logger
	propagator propagation.TextMapPropagator

	mu       sync.RWMutex
	handlers map[string]Handler
	subs     map[string][]Subscription

	queue     chan func()
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Messenger = (*NATSMessenger)(nil)

// NewNATSMessenger creates a messenger for cfg.Self on conn and starts its
// delivery loop. A nil logger disables logging.
func NewNATSMessenger(conn Conn, cfg NATSConfig, logger *zap.Logger) (*NATSMessenger, error) {
	if conn == nil {
		return nil, sdkerrors.NewError("NOT_CONNECTED", "connection cannot be nil", sdkerrors.ErrNotConnected)
	}
	if !validToken(cfg.Prefix, true) {
		return nil, sdkerrors.NewError("INVALID_PREFIX", fmt.Sprintf("invalid subject prefix %q", cfg.Prefix), sdkerrors.ErrInvalidSubject)
	}
	if cfg.Self.IsCurrent() || !validToken(string(cfg.Self), false) {
		return nil, sdkerrors.NewError("INVALID_CONTEXT", fmt.Sprintf("invalid context reference %q", cfg.Self), sdkerrors.ErrInvalidSubject)
	}
	if !cfg.Parent.IsCurrent() && !validToken(string(cfg.Parent), false) {
		return nil, sdkerrors.NewError("INVALID_CONTEXT", fmt.Sprintf("invalid parent reference %q", cfg.Parent), sdkerrors.ErrInvalidSubject)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	m := &NATSMessenger{
		conn:       conn,
		cfg:        cfg,
		logger:     logger.With(zap.String("context_ref", string(cfg.Self))),
		propagator: otel.GetTextMapPropagator(),
		handlers:   make(map[string]Handler),
		subs:       make(map[string][]Subscription),
		queue:      make(chan func(), cfg.QueueSize),
		baseCtx:    baseCtx,
		cancel:     cancel,
	}

	m.wg.Add(1)
	go m.loop()

	return m, nil
}

// SetPropagator overrides the trace context propagator used on message headers.
func (m *NATSMessenger) SetPropagator(p propagation.TextMapPropagator) {
	if p != nil {
		m.propagator = p
	}
}

// Self returns the messenger's context reference.
func (m *NATSMessenger) Self() frames.ContextRef {
	return m.cfg.Self
}

// ContextSubject returns the subject addressing command to ref.
func (m *NATSMessenger) ContextSubject(ref frames.ContextRef, command string) string {
	return fmt.Sprintf("%s.ctx.%s.%s", m.cfg.Prefix, ref, command)
}

// GlobalSubject returns the broadcast subject for command.
func (m *NATSMessenger) GlobalSubject(command string) string {
	return fmt.Sprintf("%s.global.%s", m.cfg.Prefix, command)
}

// Subscribe registers handler for command. The NATS subscriptions are
// created on first use; later calls only replace the handler.
func (m *NATSMessenger) Subscribe(command string, handler Handler) error {
	if handler == nil {
		return sdkerrors.NewError("INVALID_HANDLER", "handler cannot be nil", sdkerrors.ErrInvalidHandler)
	}
	if !validToken(command, true) {
		return sdkerrors.NewError("INVALID_COMMAND", fmt.Sprintf("invalid command %q", command), sdkerrors.ErrInvalidSubject)
	}

	wrapped := Chain(RecoveryMiddleware(m.logger), LoggingMiddleware(m.logger, command))(handler)

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.baseCtx.Done():
		return sdkerrors.ErrClosed
	default:
	}

	_, replaced := m.handlers[command]
	m.handlers[command] = wrapped
	if replaced {
		m.logger.Info("Replaced command handler", zap.String("command", command))
		return nil
	}

	subjects := []string{m.ContextSubject(m.cfg.Self, command), m.GlobalSubject(command)}
	for _, subject := range subjects {
		isGlobal := subject == m.GlobalSubject(command)
		sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
			m.onMsg(msg, isGlobal)
		})
		if err != nil {
			for _, s := range m.subs[command] {
				_ = s.Unsubscribe()
			}
			delete(m.subs, command)
			delete(m.handlers, command)
			m.logger.Error("Failed to subscribe",
				zap.String("subject", subject),
				zap.Error(err))
			return sdkerrors.NewError("SUBSCRIBE_FAILED", fmt.Sprintf("failed to subscribe to %s", subject), errors.Join(sdkerrors.ErrSubscriptionFailed, err))
		}
		m.subs[command] = append(m.subs[command], sub)
	}

	m.logger.Info("Subscribed to command",
		zap.String("command", command),
		zap.Strings("subjects", subjects))
	return nil
}

// SendTo publishes command to target without waiting for a reply.
func (m *NATSMessenger) SendTo(ctx context.Context, target frames.ContextRef, command string, payload any) error {
	if target.IsCurrent() || !validToken(string(target), false) {
		return sdkerrors.NewError("INVALID_TARGET", fmt.Sprintf("invalid target %q", target), sdkerrors.ErrUnknownContext)
	}
	msg, _, err := m.buildMsg(ctx, m.ContextSubject(target, command), command, payload, false)
	if err != nil {
		return err
	}
	return m.publish(msg, command)
}

// SendToParentOrGlobal publishes command to the parent, or on the global
// subject for a top-level context.
func (m *NATSMessenger) SendToParentOrGlobal(ctx context.Context, command string, payload any) error {
	subject := m.GlobalSubject(command)
	if !m.cfg.Parent.IsCurrent() {
		subject = m.ContextSubject(m.cfg.Parent, command)
	}
	msg, _, err := m.buildMsg(ctx, subject, command, payload, false)
	if err != nil {
		return err
	}
	return m.publish(msg, command)
}

// Request sends command to target and runs onResponse on the delivery loop
// once the reply (or a failure) arrives. It does not block the caller.
func (m *NATSMessenger) Request(ctx context.Context, target frames.ContextRef, command string, payload any, onResponse ResponseCallback) error {
	if onResponse == nil {
		return sdkerrors.NewError("INVALID_HANDLER", "response callback cannot be nil", sdkerrors.ErrInvalidHandler)
	}
	if target.IsCurrent() || !validToken(string(target), false) {
		return sdkerrors.NewError("INVALID_TARGET", fmt.Sprintf("invalid target %q", target), sdkerrors.ErrUnknownContext)
	}
	msg, correlationID, err := m.buildMsg(ctx, m.ContextSubject(target, command), command, payload, true)
	if err != nil {
		return err
	}

	select {
	case <-m.baseCtx.Done():
		return sdkerrors.ErrClosed
	default:
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		reqCtx := ctx
		var cancel context.CancelFunc
		if _, ok := ctx.Deadline(); ok {
			reqCtx, cancel = context.WithCancel(ctx)
		} else {
			reqCtx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
		}
		defer cancel()
		stop := context.AfterFunc(m.baseCtx, cancel)
		defer stop()

		resp, err := m.conn.RequestMsgWithContext(reqCtx, msg)
		var data json.RawMessage
		if err != nil {
			err = classifyRequestError(err)
			m.logger.Debug("Request failed",
				zap.String("command", command),
				zap.String("target", string(target)),
				zap.String("correlation_id", correlationID),
				zap.Error(err))
		} else {
			data = json.RawMessage(resp.Data)
		}
		m.enqueue(func() { onResponse(data, err) })
	}()
	return nil
}

// Close unsubscribes everything, stops the delivery loop and waits for
// in-flight requests to finish.
func (m *NATSMessenger) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		for command, subs := range m.subs {
			for _, sub := range subs {
				if err := sub.Unsubscribe(); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", command, err))
				}
			}
		}
		m.subs = make(map[string][]Subscription)
		m.cancel()
		m.mu.Unlock()

		m.wg.Wait()
		m.logger.Info("Messenger closed")
	})
	return errors.Join(errs...)
}

func (m *NATSMessenger) buildMsg(ctx context.Context, subject, command string, payload any, withCorrelation bool) (*nats.Msg, string, error) {
	env, err := NewEnvelope(m.cfg.Self, command, payload)
	if err != nil {
		return nil, "", sdkerrors.NewError("MARSHAL_FAILED", "failed to marshal payload", err)
	}
	if withCorrelation {
		env.CorrelationID = uuid.NewString()
	}
	data, err := env.ToBytes()
	if err != nil {
		return nil, "", sdkerrors.NewError("MARSHAL_FAILED", "failed to marshal envelope", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	m.propagator.Inject(ctx, propagation.HeaderCarrier(msg.Header))
	return msg, env.CorrelationID, nil
}

func (m *NATSMessenger) publish(msg *nats.Msg, command string) error {
	if err := m.conn.PublishMsg(msg); err != nil {
		m.logger.Warn("Failed to publish command",
			zap.String("subject", msg.Subject),
			zap.String("command", command),
			zap.Error(err))
		return sdkerrors.NewError("PUBLISH_FAILED", fmt.Sprintf("failed to publish to %s", msg.Subject), errors.Join(sdkerrors.ErrPublishFailed, err))
	}
	m.logger.Debug("Command published",
		zap.String("subject", msg.Subject),
		zap.String("command", command))
	return nil
}

func (m *NATSMessenger) onMsg(msg *nats.Msg, isGlobal bool) {
	env, err := EnvelopeFromBytes(msg.Data)
	if err != nil {
		m.logger.Warn("Dropping malformed envelope",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}
	if isGlobal && env.Sender == m.cfg.Self {
		return
	}

	ctx := m.propagator.Extract(context.Background(), propagation.HeaderCarrier(msg.Header))

	var reply func(json.RawMessage)
	if msg.Reply != "" {
		replySubject := msg.Reply
		reply = func(data json.RawMessage) {
			if err := m.conn.PublishMsg(&nats.Msg{Subject: replySubject, Data: data}); err != nil {
				m.logger.Warn("Failed to publish reply",
					zap.String("command", env.Command),
					zap.String("correlation_id", env.CorrelationID),
					zap.Error(err))
			}
		}
	}

	m.enqueue(func() {
		m.mu.RLock()
		handler, ok := m.handlers[env.Command]
		m.mu.RUnlock()
		if !ok {
			m.logger.Debug("No handler for command", zap.String("command", env.Command))
			return
		}
		invoke(ctx, handler, env, reply, m.logger)
	})
}

func (m *NATSMessenger) enqueue(fn func()) {
	select {
	case m.queue <- fn:
	case <-m.baseCtx.Done():
	}
}

func (m *NATSMessenger) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.baseCtx.Done():
			return
		case fn := <-m.queue:
			m.run(fn)
		}
	}
}

func (m *NATSMessenger) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Delivery panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func classifyRequestError(err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return errors.Join(sdkerrors.ErrNoResponse, err)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errors.Join(sdkerrors.ErrTimeout, err)
	default:
		return err
	}
}

// validToken reports whether s can be used inside a subject. Dotted values
// are allowed for prefixes and command names only.
func validToken(s string, allowDots bool) bool {
	if s == "" || strings.ContainsAny(s, " \t\r\n*>") {
		return false
	}
	if !allowDots && strings.Contains(s, ".") {
		return false
	}
	return !strings.HasPrefix(s, ".") && !strings.HasSuffix(s, ".") && !strings.Contains(s, "..")
}
