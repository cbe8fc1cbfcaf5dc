// Package worker runs the background jobs of the daemon: the Pub/Sub remote
// control subscriber and observation retention.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/homedeck/homedeck/internal/registry"
	"github.com/homedeck/homedeck/internal/source"
	"github.com/homedeck/homedeck/internal/supervisor"
)

// Control commands.
const (
	CommandRefresh    = "refresh"
	CommandStart      = "start"
	CommandStop       = "stop"
	CommandRestart    = "restart"
	CommandRefreshAll = "refresh_all"
)

var (
	// ErrMalformedMessage is returned for a message that is not a command.
	ErrMalformedMessage = errors.New("malformed control message")

	// ErrUnknownCommand is returned for a command the daemon does not know.
	ErrUnknownCommand = errors.New("unknown control command")
)

// Controller is the registry surface driven by control messages.
type Controller interface {
	Start(ctx context.Context, id string) error
	Stop(id string) error
	Restart(ctx context.Context, id string) error
	Refresh(id string) error
	RefreshAll() int
}

// ControlMessage is the payload of a remote control message.
type ControlMessage struct {
	Command  string `json:"command"`
	SourceID string `json:"source_id,omitempty"`
}

// ControlConfig holds configuration for the ControlHandler.
type ControlConfig struct {
	Controller Controller

	// CommandTimeout bounds start and restart, which run initialization.
	// Default: 2 minutes
	CommandTimeout time.Duration

	Logger zerolog.Logger
}

// ControlHandler applies control commands to the registry.
type ControlHandler struct {
	controller Controller
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewControlHandler creates a new ControlHandler.
func NewControlHandler(cfg ControlConfig) *ControlHandler {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	return &ControlHandler{
		controller: cfg.Controller,
		timeout:    cfg.CommandTimeout,
		logger:     cfg.Logger,
	}
}

// Process decodes and applies one control message.
func (h *ControlHandler) Process(ctx context.Context, data []byte) error {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	switch msg.Command {
	case CommandRefreshAll:
		n := h.controller.RefreshAll()
		h.logger.Debug().Int("accepted", n).Msg("refresh requested for all sources")
		return nil
	case CommandRefresh, CommandStart, CommandStop, CommandRestart:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Command)
	}
	if msg.SourceID == "" {
		return fmt.Errorf("%w: %s without source_id", ErrMalformedMessage, msg.Command)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	switch msg.Command {
	case CommandStart:
		return h.controller.Start(ctx, msg.SourceID)
	case CommandStop:
		return h.controller.Stop(msg.SourceID)
	case CommandRestart:
		return h.controller.Restart(ctx, msg.SourceID)
	default:
		return h.controller.Refresh(msg.SourceID)
	}
}

// Retryable reports whether a message that failed with err should be
// redelivered. Only malformed payloads and transient failures are; a
// command that can never succeed is acknowledged.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMalformedMessage):
		return true
	case errors.Is(err, ErrUnknownCommand),
		errors.Is(err, registry.ErrSourceNotFound),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, supervisor.ErrAlreadyRunning),
		source.IsFatal(err):
		return false
	default:
		return true
	}
}

// PubSubConfig holds configuration for the Pub/Sub subscriber.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Handler          *ControlHandler
	Logger           zerolog.Logger
}

// PubSubSubscriber receives control messages from a Pub/Sub subscription.
type PubSubSubscriber struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	handler          *ControlHandler
	logger           zerolog.Logger
}

// NewPubSubSubscriber creates a new Pub/Sub subscriber.
func NewPubSubSubscriber(ctx context.Context, cfg PubSubConfig) (*PubSubSubscriber, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)

	// Commands are cheap; keep ordering close to publish order.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 1
	subscriber.ReceiveSettings.MaxExtension = 10 * time.Minute

	return &PubSubSubscriber{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		handler:          cfg.Handler,
		logger:           cfg.Logger,
	}, nil
}

// Start receives messages until ctx is cancelled.
func (s *PubSubSubscriber) Start(ctx context.Context) error {
	s.logger.Info().
		Str("subscription", s.subscriptionName).
		Msg("starting pubsub control subscriber")

	return s.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		s.handleMessage(ctx, msg)
	})
}

// Close closes the Pub/Sub client.
func (s *PubSubSubscriber) Close() error {
	return s.client.Close()
}

func (s *PubSubSubscriber) handleMessage(ctx context.Context, msg *pubsub.Message) {
	startTime := time.Now()

	logger := s.logger.With().
		Str("message_id", msg.ID).
		Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
		Logger()

	logger.Debug().Msg("received control message")

	err := s.handler.Process(ctx, msg.Data)
	switch {
	case err == nil:
		logger.Info().Dur("duration", time.Since(startTime)).Msg("control command applied")
		msg.Ack()
	case Retryable(err):
		logger.Error().Err(err).Msg("control command failed")
		msg.Nack()
	default:
		logger.Warn().Err(err).Msg("control command rejected")
		msg.Ack() // Ack to prevent redelivery
	}
}
