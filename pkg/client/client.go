package client

import (
	"context"
	"errors"

	natsclient "github.com/nats-io/nats.go"
	"github.com/wehubfusion/Iris/internal/nats"
	"github.com/wehubfusion/Iris/internal/tracing"
	"github.com/wehubfusion/Iris/pkg/config"
	sdkerrors "github.com/wehubfusion/Iris/pkg/errors"
	"github.com/wehubfusion/Iris/pkg/frames"
	"github.com/wehubfusion/Iris/pkg/messenger"
	"github.com/wehubfusion/Iris/pkg/visualization"
	"go.uber.org/zap"
)

// Client hosts the visualization coordinator of one context over NATS.
// It owns the connection, the messenger bound to the context's subjects,
// the tracker of embedded children and the controller.
//
// Example usage:
//
//	cfg := config.LoadConfig()
//	c := client.NewClient(cfg)
//	if err := c.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer c.Close()
//
//	c.Visualization.MustRegisterDrawer("headings", drawer)
//	if err := c.Visualization.Initialize(); err != nil {
//	    logger.Fatal("Failed to initialize", zap.Error(err))
//	}
type Client struct {
	cfg    *config.Config
	conn   *natsclient.Conn
	logger *zap.Logger

	shutdownTracing func(context.Context) error

	// Messenger carries commands between this context and its neighbours
	Messenger *messenger.NATSMessenger

	// Frames tracks the child contexts embedded in this one; attach a child
	// once its own client is connected
	Frames *frames.Tracker

	// Visualization is the controller; register drawers, then Initialize
	Visualization *visualization.Controller
}

// NewClient creates a client for cfg. Call Connect before use.
func NewClient(cfg *config.Config) *Client {
	logger, _ := zap.NewProduction()
	return &Client{
		cfg:    cfg,
		logger: logger,
	}
}

// NewClientWithConn wires a client to an existing messenger connection
// without dialing NATS or installing tracing. Useful for tests.
func NewClientWithConn(cfg *config.Config, conn messenger.Conn, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{cfg: cfg, logger: logger}
	if err := c.build(conn); err != nil {
		return nil, err
	}
	return c, nil
}

// SetLogger sets a custom zap logger for the client
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Connect validates the configuration, installs tracing when enabled,
// dials NATS and builds the messenger, tracker and controller.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}
	if c.cfg == nil {
		return sdkerrors.NewError("INVALID_CONFIG", "config cannot be nil", nil)
	}
	if err := c.cfg.Validate(); err != nil {
		return sdkerrors.NewError("INVALID_CONFIG", "invalid configuration", err)
	}

	if c.cfg.TracingEnabled {
		shutdown, err := tracing.SetupTracing(ctx, c.cfg.TracingConfig(), c.logger)
		if err != nil {
			return sdkerrors.NewError("TRACING_FAILED", "failed to set up tracing", err)
		}
		c.shutdownTracing = shutdown
	}

	conn, err := nats.Connect(ctx, c.cfg.ConnectionConfig(), c.logger)
	if err != nil {
		c.stopTracing()
		return sdkerrors.NewError("CONNECTION_FAILED", "failed to connect to NATS", err)
	}
	c.conn = conn

	if err := c.build(messenger.WrapNATSConn(conn)); err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		c.stopTracing()
		return err
	}

	c.logger.Info("Client connected",
		zap.String("context_ref", string(c.cfg.ContextID)),
		zap.String("parent_ref", string(c.cfg.ParentID)),
		zap.String("subject_prefix", c.cfg.SubjectPrefix))
	return nil
}

func (c *Client) build(conn messenger.Conn) error {
	if c.cfg == nil {
		return sdkerrors.NewError("INVALID_CONFIG", "config cannot be nil", nil)
	}

	m, err := messenger.NewNATSMessenger(conn, messenger.NATSConfig{
		Prefix:         c.cfg.SubjectPrefix,
		Self:           c.cfg.ContextID,
		Parent:         c.cfg.ParentID,
		RequestTimeout: c.cfg.RequestTimeout,
		QueueSize:      c.cfg.QueueSize,
	}, c.logger)
	if err != nil {
		return sdkerrors.NewError("SERVICE_INIT_FAILED", "failed to create messenger", err)
	}

	tracker := frames.NewTracker(c.logger)
	ctrl, err := visualization.NewController(m, tracker, c.logger)
	if err != nil {
		_ = m.Close()
		return sdkerrors.NewError("SERVICE_INIT_FAILED", "failed to create visualization controller", err)
	}

	c.Messenger = m
	c.Frames = tracker
	c.Visualization = ctrl
	return nil
}

// Close erases every drawer, stops the messenger, drains the connection
// and flushes pending spans. It is safe to call on a client that never
// connected.
func (c *Client) Close() error {
	var errs []error

	if c.Visualization != nil {
		c.Visualization.Dispose()
	}
	if c.Messenger != nil {
		if err := c.Messenger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := nats.Close(c.conn); err != nil {
			errs = append(errs, sdkerrors.NewError("CLOSE_FAILED", "failed to close connection", err))
		}
	}
	if err := c.stopTracing(); err != nil {
		errs = append(errs, err)
	}

	c.conn = nil
	c.Messenger = nil
	c.Frames = nil
	c.Visualization = nil

	return errors.Join(errs...)
}

func (c *Client) stopTracing() error {
	if c.shutdownTracing == nil {
		return nil
	}
	err := tracing.ShutdownTracing(c.shutdownTracing, c.logger)
	c.shutdownTracing = nil
	return err
}

// IsConnected returns true if the client is currently connected to the NATS server.
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Self returns the context reference this client serves.
func (c *Client) Self() frames.ContextRef {
	if c.cfg == nil {
		return frames.Current
	}
	return c.cfg.ContextID
}
