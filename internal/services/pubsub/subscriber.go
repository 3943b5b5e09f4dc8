package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultHandlerTimeout = 5 * time.Second

type MessageHandler func(ctx context.Context, envelope Envelope) error

// Subscriber dispatches envelopes to handlers registered by exact channel,
// by subscription pattern, or by message type, in that order.
type Subscriber struct {
	client         *redis.Client
	logger         *zap.Logger
	handlerTimeout time.Duration
	handlers       map[string]MessageHandler
	mu             sync.RWMutex
	subscriptions  []*activeSubscription
	received       atomic.Int64
	errors         atomic.Int64
}

type activeSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSubscriber(client *redis.Client, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		client:         client,
		logger:         logger,
		handlerTimeout: defaultHandlerTimeout,
		handlers:       make(map[string]MessageHandler),
	}
}

// SetHandlerTimeout bounds each handler invocation. Non-positive values are ignored.
func (s *Subscriber) SetHandlerTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.handlerTimeout = d
	s.mu.Unlock()
}

// Handle registers a handler for a channel name or a subscription pattern.
func (s *Subscriber) Handle(channel string, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[channel] = handler
}

func (s *Subscriber) HandleType(msgType MessageType, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers["type:"+string(msgType)] = handler
}

func (s *Subscriber) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return fmt.Errorf("pubsub: at least one channel required")
	}
	return s.start(ctx, s.client.Subscribe(ctx, channels...), channels)
}

func (s *Subscriber) PSubscribe(ctx context.Context, patterns ...string) error {
	if len(patterns) == 0 {
		return fmt.Errorf("pubsub: at least one pattern required")
	}
	return s.start(ctx, s.client.PSubscribe(ctx, patterns...), patterns)
}

func (s *Subscriber) start(ctx context.Context, ps *redis.PubSub, names []string) error {
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("pubsub: subscribe to %v: %w", names, err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &activeSubscription{
		pubsub: ps,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.subscriptions = append(s.subscriptions, sub)
	s.mu.Unlock()

	go s.listen(subCtx, sub)
	return nil
}

func (s *Subscriber) listen(ctx context.Context, sub *activeSubscription) {
	defer close(sub.done)
	ch := sub.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = sub.pubsub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.dispatch(ctx, msg)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, msg *redis.Message) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
		s.errors.Add(1)
		s.logger.Warn("pubsub: unmarshal message failed",
			zap.String("channel", msg.Channel),
			zap.Error(err),
		)
		return
	}

	s.received.Add(1)

	s.mu.RLock()
	handler, ok := s.handlers[msg.Channel]
	if !ok && msg.Pattern != "" {
		handler, ok = s.handlers[msg.Pattern]
	}
	if !ok {
		handler, ok = s.handlers["type:"+string(envelope.Type)]
	}
	timeout := s.handlerTimeout
	s.mu.RUnlock()

	if !ok {
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := handler(handlerCtx, envelope); err != nil {
		s.errors.Add(1)
		s.logger.Error("pubsub: handler error",
			zap.String("channel", msg.Channel),
			zap.String("type", string(envelope.Type)),
			zap.Error(err),
		)
	}
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	subs := make([]*activeSubscription, len(s.subscriptions))
	copy(subs, s.subscriptions)
	s.subscriptions = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}

type SubscriberStats struct {
	Received      int64 `json:"received"`
	Errors        int64 `json:"errors"`
	Subscriptions int   `json:"subscriptions"`
}

func (s *Subscriber) Stats() SubscriberStats {
	s.mu.RLock()
	subCount := len(s.subscriptions)
	s.mu.RUnlock()
	return SubscriberStats{
		Received:      s.received.Load(),
		Errors:        s.errors.Load(),
		Subscriptions: subCount,
	}
}

// Invalidator drops cached catalog state.
type Invalidator interface {
	Invalidate()
}

// CatalogInvalidationHandler invalidates the local catalog snapshot whenever
// any instance announces a catalog change.
func CatalogInvalidationHandler(inv Invalidator, logger *zap.Logger) MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, envelope Envelope) error {
		var payload CatalogInvalidationPayload
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &payload); err != nil {
				return fmt.Errorf("pubsub: decode invalidation: %w", err)
			}
		}
		inv.Invalidate()
		logger.Info("Catalog invalidated",
			zap.String("reason", payload.Reason),
			zap.String("key_id", payload.KeyID),
			zap.String("source", envelope.Source),
		)
		return nil
	}
}
