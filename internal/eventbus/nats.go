package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/depin-orcha/orcha/internal/logging"
)

// NATSEventBus implements EventBus using NATS JetStream
type NATSEventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger logging.Logger
	config *NATSConfig

	// Subscription management
	subscriptions map[string]*nats.Subscription
	subMutex      sync.RWMutex

	// Graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NATSConfig holds NATS JetStream configuration
type NATSConfig struct {
	URL                  string        `json:"url" yaml:"url"`
	StreamName           string        `json:"stream_name" yaml:"stream_name"`
	SubjectPrefix        string        `json:"subject_prefix" yaml:"subject_prefix"`
	StreamSubjects       []string      `json:"stream_subjects" yaml:"stream_subjects"`
	MaxAge               time.Duration `json:"max_age" yaml:"max_age"`
	MaxBytes             int64         `json:"max_bytes" yaml:"max_bytes"`
	MaxMsgs              int64         `json:"max_msgs" yaml:"max_msgs"`
	Replicas             int           `json:"replicas" yaml:"replicas"`
	ConnectTimeout       time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReconnectWait        time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
}

// DefaultNATSConfig returns default NATS configuration
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:                  "nats://localhost:4222",
		StreamName:           "ORCHA_EVENTS",
		SubjectPrefix:        "orcha.events",
		StreamSubjects:       []string{"orcha.events.>"},
		MaxAge:               7 * 24 * time.Hour,
		MaxBytes:             1024 * 1024 * 1024, // 1GB
		MaxMsgs:              1000000,
		Replicas:             1,
		ConnectTimeout:       10 * time.Second,
		ReconnectWait:        2 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

type msgContextKey struct{}

// MessageFromContext returns the raw NATS message a handler is processing
func MessageFromContext(ctx context.Context) (*nats.Msg, bool) {
	msg, ok := ctx.Value(msgContextKey{}).(*nats.Msg)
	return msg, ok
}

// NewNATSEventBus creates a new NATS JetStream event bus
func NewNATSEventBus(config *NATSConfig, logger logging.Logger) (*NATSEventBus, error) {
	if config == nil {
		config = DefaultNATSConfig()
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "orcha.events"
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := &NATSEventBus{
		logger:        logger.Named("eventbus"),
		config:        config,
		subscriptions: make(map[string]*nats.Subscription),
		ctx:           ctx,
		cancel:        cancel,
	}

	if err := bus.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if err := bus.setupStream(); err != nil {
		bus.conn.Close()
		cancel()
		return nil, fmt.Errorf("failed to setup JetStream: %w", err)
	}

	return bus, nil
}

// connect establishes connection to NATS server
func (n *NATSEventBus) connect() error {
	opts := []nats.Option{
		nats.Name("orcha-eventbus"),
		nats.Timeout(n.config.ConnectTimeout),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.MaxReconnects(n.config.MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			n.logger.Warn(n.ctx, "NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.Info(n.ctx, "NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			n.logger.Info(n.ctx, "NATS connection closed")
		}),
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	n.conn = conn
	n.js = js

	n.logger.Info(n.ctx, "Connected to NATS JetStream",
		zap.String("url", n.config.URL),
		zap.String("stream", n.config.StreamName))

	return nil
}

// setupStream creates or updates the JetStream stream
func (n *NATSEventBus) setupStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       n.config.StreamName,
		Subjects:   n.config.StreamSubjects,
		Retention:  nats.LimitsPolicy,
		MaxAge:     n.config.MaxAge,
		MaxBytes:   n.config.MaxBytes,
		MaxMsgs:    n.config.MaxMsgs,
		Replicas:   n.config.Replicas,
		Storage:    nats.FileStorage,
		Duplicates: 5 * time.Minute, // Duplicate detection window
	}

	_, err := n.js.StreamInfo(n.config.StreamName)
	if err != nil {
		_, err = n.js.AddStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		n.logger.Info(n.ctx, "Created JetStream stream", zap.String("stream", n.config.StreamName))
	} else {
		_, err = n.js.UpdateStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
		n.logger.Info(n.ctx, "Updated JetStream stream", zap.String("stream", n.config.StreamName))
	}

	return nil
}

// PublishEvent publishes an event and waits for the stream acknowledgement
func (n *NATSEventBus) PublishEvent(ctx context.Context, event *Event) error {
	subject := n.eventTypeToSubject(event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// The event ID doubles as the JetStream dedup key
	_, err = n.js.Publish(subject, data, nats.MsgId(event.ID))
	if err != nil {
		n.logger.Error(ctx, "Failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	n.logger.Debug(ctx, "Published event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("subject", subject))

	return nil
}

// PublishEventAsync publishes an event without waiting for the acknowledgement
func (n *NATSEventBus) PublishEventAsync(ctx context.Context, event *Event) error {
	subject := n.eventTypeToSubject(event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = n.js.PublishAsync(subject, data, nats.MsgId(event.ID))
	if err != nil {
		n.logger.Error(ctx, "Failed to publish event async",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish event async: %w", err)
	}

	n.logger.Debug(ctx, "Published event async",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("subject", subject))

	return nil
}

// FlushAsync waits until all async publishes are acknowledged or ctx ends
func (n *NATSEventBus) FlushAsync(ctx context.Context) error {
	select {
	case <-n.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeToEventType subscribes to events of a specific type
func (n *NATSEventBus) SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error {
	return n.subscribe(ctx, string(eventType), n.eventTypeToSubject(eventType), handler)
}

// SubscribeToPattern subscribes to events matching a subject pattern below the prefix,
// for example "allocation.*" or ">".
func (n *NATSEventBus) SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error {
	return n.subscribe(ctx, pattern, fmt.Sprintf("%s.%s", n.config.SubjectPrefix, pattern), handler)
}

func (n *NATSEventBus) subscribe(ctx context.Context, key, subject string, handler EventHandler) error {
	consumerName := consumerNameFor(key)

	n.subMutex.Lock()
	defer n.subMutex.Unlock()

	if _, exists := n.subscriptions[key]; exists {
		return fmt.Errorf("already subscribed to %s", key)
	}

	sub, err := n.js.PullSubscribe(subject, consumerName,
		nats.AckExplicit(),
		nats.DeliverNew(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second))
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	n.subscriptions[key] = sub

	n.wg.Add(1)
	go n.processMessages(ctx, sub, handler, key)

	n.logger.Info(ctx, "Subscribed to events",
		zap.String("key", key),
		zap.String("subject", subject),
		zap.String("consumer", consumerName))

	return nil
}

// processMessages processes messages from a subscription
func (n *NATSEventBus) processMessages(ctx context.Context, sub *nats.Subscription, handler EventHandler, key string) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if !sub.IsValid() {
				return
			}
			n.logger.Error(ctx, "Failed to fetch messages",
				zap.String("key", key),
				zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			if err := n.handleMessage(ctx, msg, handler); err != nil {
				n.logger.Error(ctx, "Failed to handle message",
					zap.String("key", key),
					zap.Error(err))
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
		}
	}
}

// handleMessage processes a single message
func (n *NATSEventBus) handleMessage(ctx context.Context, msg *nats.Msg, handler EventHandler) error {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return handler.Handle(context.WithValue(ctx, msgContextKey{}, msg), &event)
}

// UnsubscribeFromEventType unsubscribes from an event type
func (n *NATSEventBus) UnsubscribeFromEventType(eventType EventType) error {
	n.subMutex.Lock()
	defer n.subMutex.Unlock()

	sub, exists := n.subscriptions[string(eventType)]
	if !exists {
		return fmt.Errorf("not subscribed to event type: %s", eventType)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	delete(n.subscriptions, string(eventType))

	n.logger.Info(n.ctx, "Unsubscribed from event type", zap.String("event_type", string(eventType)))
	return nil
}

// Close closes the event bus and all connections
func (n *NATSEventBus) Close() error {
	n.logger.Info(n.ctx, "Closing NATS EventBus")

	n.cancel()

	n.subMutex.Lock()
	for key, sub := range n.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Error(n.ctx, "Failed to unsubscribe",
				zap.String("key", key),
				zap.Error(err))
		}
	}
	n.subscriptions = make(map[string]*nats.Subscription)
	n.subMutex.Unlock()

	n.wg.Wait()

	if n.conn != nil {
		n.conn.Close()
	}

	n.logger.Info(context.Background(), "NATS EventBus closed")
	return nil
}

// eventTypeToSubject converts "alert.raised" to "orcha.events.alert.raised"
func (n *NATSEventBus) eventTypeToSubject(eventType EventType) string {
	return fmt.Sprintf("%s.%s", n.config.SubjectPrefix, string(eventType))
}

// consumerNameFor converts "alert.raised" to "orcha-consumer-alert-raised"
func consumerNameFor(key string) string {
	name := strings.ReplaceAll(key, ".", "-")
	name = strings.ReplaceAll(name, "*", "star")
	name = strings.ReplaceAll(name, ">", "gt")
	return fmt.Sprintf("orcha-consumer-%s", name)
}

// GetStreamInfo returns information about the JetStream stream
func (n *NATSEventBus) GetStreamInfo() (*nats.StreamInfo, error) {
	return n.js.StreamInfo(n.config.StreamName)
}

// PurgeStream purges all messages from the stream (useful for testing)
func (n *NATSEventBus) PurgeStream() error {
	return n.js.PurgeStream(n.config.StreamName)
}
