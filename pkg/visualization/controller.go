package visualization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	sdkerrors "github.com/wehubfusion/Iris/pkg/errors"
	"github.com/wehubfusion/Iris/pkg/frames"
	"github.com/wehubfusion/Iris/pkg/messenger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TriggerVisualizationCommand is the command name the controller subscribes
// to and forwards to child contexts.
const TriggerVisualizationCommand = "insights.draw.visualization"

// Controller owns the drawers of one context and keeps child contexts in
// step with every toggle it receives.
type Controller struct {
	messenger  messenger.Messenger
	enumerator frames.Enumerator
	logger     *zap.Logger
	tracer     trace.Tracer

	// mu guards drawers; drawer methods are always called outside it
	mu      sync.RWMutex
	drawers map[ConfigID]Drawer
}

// NewController creates a controller that forwards through m to the
// children listed by enumerator. A nil logger disables logging.
func NewController(m messenger.Messenger, enumerator frames.Enumerator, logger *zap.Logger) (*Controller, error) {
	if m == nil {
		return nil, errors.New("messenger cannot be nil")
	}
	if enumerator == nil {
		return nil, errors.New("enumerator cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Controller{
		messenger:  m,
		enumerator: enumerator,
		logger:     logger.With(zap.String("context_ref", string(m.Self()))),
		tracer:     otel.Tracer("iris/visualization"),
		drawers:    make(map[ConfigID]Drawer),
	}, nil
}

// SetLogger sets a custom zap logger for the controller
func (c *Controller) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetTracer sets the tracer used for command spans
func (c *Controller) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		c.tracer = tracer
	}
}

// RegisterDrawer binds drawer to id. Registering an id twice is a wiring
// bug: the error wraps ErrDuplicateDrawer and the first drawer stays.
func (c *Controller) RegisterDrawer(id ConfigID, drawer Drawer) error {
	if drawer == nil {
		return sdkerrors.NewError("INVALID_DRAWER", fmt.Sprintf("drawer for %q cannot be nil", id), nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.drawers[id]; exists {
		c.logger.Error("Drawer already registered", zap.String("config_id", string(id)))
		return sdkerrors.NewError("DUPLICATE_DRAWER", fmt.Sprintf("drawer already registered for %q", id), sdkerrors.ErrDuplicateDrawer)
	}
	c.drawers[id] = drawer

	c.logger.Debug("Drawer registered", zap.String("config_id", string(id)))
	return nil
}

// MustRegisterDrawer is RegisterDrawer for startup wiring; it panics on error.
func (c *Controller) MustRegisterDrawer(id ConfigID, drawer Drawer) {
	if err := c.RegisterDrawer(id, drawer); err != nil {
		panic(err)
	}
}

// RegisteredConfigIDs returns the registered ids in sorted order.
func (c *Controller) RegisteredConfigIDs() []ConfigID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]ConfigID, 0, len(c.drawers))
	for id := range c.drawers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Initialize subscribes the controller to TriggerVisualizationCommand.
// Call it once at startup.
func (c *Controller) Initialize() error {
	if err := c.messenger.Subscribe(TriggerVisualizationCommand, c.onVisualizationCommand); err != nil {
		return fmt.Errorf("failed to subscribe visualization handler: %w", err)
	}
	c.logger.Info("Visualization controller initialized",
		zap.String("command", TriggerVisualizationCommand))
	return nil
}

func (c *Controller) onVisualizationCommand(ctx context.Context, payload json.RawMessage, sender frames.ContextRef, respond messenger.Responder) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.logger.Warn("Dropping malformed visualization command",
			zap.String("sender", string(sender)),
			zap.Error(errors.Join(sdkerrors.ErrInvalidMessage, err)))
	} else {
		c.ProcessRequest(ctx, cmd)
	}

	if respond != nil {
		respond(nil)
	}
}

// ProcessRequest applies cmd to the local drawer and forwards it to every
// live child. A command for an unregistered id does nothing.
//
// A disable erases locally and sends {configId, isEnabled:false} to every
// child. An enable draws the local, drawable results and sends each child
// its own results, or null when it owns none.
func (c *Controller) ProcessRequest(ctx context.Context, cmd Command) {
	ctx, span := c.tracer.Start(ctx, "visualization.process_request",
		trace.WithAttributes(
			attribute.String("config_id", string(cmd.ConfigID)),
			attribute.Bool("is_enabled", cmd.IsEnabled),
			attribute.Int("result_count", len(cmd.ElementResults)),
		))
	defer span.End()

	c.mu.RLock()
	drawer, ok := c.drawers[cmd.ConfigID]
	c.mu.RUnlock()

	if !ok {
		span.SetAttributes(attribute.Bool("registered", false))
		c.logger.Debug("No drawer registered for visualization command",
			zap.String("config_id", string(cmd.ConfigID)),
			zap.Bool("is_enabled", cmd.IsEnabled))
		return
	}

	if !cmd.IsEnabled {
		drawer.EraseLayout()

		children := c.enumerator.ListLiveChildContexts()
		span.SetAttributes(attribute.Int("child_count", len(children)))
		for _, child := range children {
			c.forward(ctx, span, child, Command{ConfigID: cmd.ConfigID, IsEnabled: false})
		}

		c.logger.Debug("Visualization disabled",
			zap.String("config_id", string(cmd.ConfigID)),
			zap.Int("child_count", len(children)))
		return
	}

	partition := Partition(cmd.ElementResults)

	var local []Result
	if cmd.ElementResults != nil {
		local = drawable(partition.Local)
	}
	drawer.Initialize(DrawerInitData{Data: local, FeatureFlags: cmd.FeatureFlags})
	drawer.DrawLayout()

	children := c.enumerator.ListLiveChildContexts()
	span.SetAttributes(attribute.Int("child_count", len(children)))

	live := make(map[frames.ContextRef]struct{}, len(children))
	for _, child := range children {
		live[child] = struct{}{}

		var childResults []Result
		if owned, ok := partition.ByChild[child]; ok {
			childResults = forChild(owned)
		}
		c.forward(ctx, span, child, Command{
			ConfigID:       cmd.ConfigID,
			IsEnabled:      true,
			ElementResults: childResults,
			FeatureFlags:   cmd.FeatureFlags,
		})
	}

	for _, owner := range partition.Children {
		if _, ok := live[owner]; !ok {
			c.logger.Debug("Dropping results owned by a context that is no longer live",
				zap.String("config_id", string(cmd.ConfigID)),
				zap.String("owner_ref", string(owner)),
				zap.Int("result_count", len(partition.ByChild[owner])))
		}
	}

	c.logger.Debug("Visualization enabled",
		zap.String("config_id", string(cmd.ConfigID)),
		zap.Int("local_count", len(local)),
		zap.Bool("has_results", cmd.ElementResults != nil),
		zap.Int("child_count", len(children)))
}

// forward sends cmd to child. Delivery is best effort: failures are logged
// and recorded on the span, never retried.
func (c *Controller) forward(ctx context.Context, span trace.Span, child frames.ContextRef, cmd Command) {
	if err := c.messenger.SendTo(ctx, child, TriggerVisualizationCommand, cmd); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partial fan-out")
		c.logger.Warn("Failed to forward visualization command",
			zap.String("config_id", string(cmd.ConfigID)),
			zap.String("child_ref", string(child)),
			zap.Bool("is_enabled", cmd.IsEnabled),
			zap.Error(err))
	}
}

// Dispose erases every registered drawer, enabled or not. Registrations
// are kept.
func (c *Controller) Dispose() {
	c.mu.RLock()
	ids := make([]ConfigID, 0, len(c.drawers))
	for id := range c.drawers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	drawers := make([]Drawer, len(ids))
	for i, id := range ids {
		drawers[i] = c.drawers[id]
	}
	c.mu.RUnlock()

	for _, drawer := range drawers {
		drawer.EraseLayout()
	}

	c.logger.Info("Visualization controller disposed", zap.Int("drawer_count", len(drawers)))
}
