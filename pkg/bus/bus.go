// Package bus implements the in-process message bus agents use to talk to
// each other. Delivery is asynchronous: publishers enqueue onto a bounded
// input channel and a single processor goroutine fans messages out to
// subscribers. Request/response pairs are matched by correlation ID.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hivemind/pkg/config"
	"hivemind/pkg/eventlog"
	"hivemind/pkg/logx"
	"hivemind/pkg/proto"
)

var (
	// ErrBusFull is returned when the input queue cannot accept another message.
	ErrBusFull = errors.New("bus queue full")
	// ErrBusStopped is returned when publishing to a bus that is not running.
	ErrBusStopped = errors.New("bus is not running")
	// ErrRequestTimeout is returned when a request receives no response in time.
	ErrRequestTimeout = errors.New("request timed out")
)

// Handler processes a single delivered message. Handlers must not block for
// long; each delivery runs in its own goroutine.
type Handler func(msg *proto.BusMsg)

// Bus routes messages between agents. Subscribers register under an agent ID
// or an agent type name; a message is delivered to every handler registered
// under its To field, and broadcast messages reach all subscribers.
type Bus struct {
	cfg      config.BusConfig
	logger   *logx.Logger
	eventLog *eventlog.Writer

	input chan *proto.BusMsg

	mu          sync.RWMutex
	subscribers map[string][]Handler
	pending     map[string]chan *proto.BusMsg
	running     bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a bus with the given queue size and request timeout settings.
// The event log is optional; pass nil to disable message auditing.
func New(cfg config.BusConfig, eventLog *eventlog.Writer) *Bus {
	return &Bus{
		cfg:         cfg,
		logger:      logx.NewLogger("bus"),
		eventLog:    eventLog,
		input:       make(chan *proto.BusMsg, cfg.QueueSize),
		subscribers: make(map[string][]Handler),
		pending:     make(map[string]chan *proto.BusMsg),
		done:        make(chan struct{}),
	}
}

// Start launches the processor goroutine. The bus drains until Stop is
// called or the context is cancelled.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.processLoop(ctx)
	b.logger.Info("Bus started with queue size %d", b.cfg.QueueSize)
}

// Stop shuts down the processor. Messages still queued are dropped.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	b.logger.Info("Bus stopped")
}

// Subscribe registers a handler under an agent ID or agent type name.
// Multiple handlers may share a key; each receives its own copy of every
// matching message.
func (b *Bus) Subscribe(key string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[key] = append(b.subscribers[key], h)
	b.logger.Debug("Subscribed handler under %s", key)
}

// Unsubscribe removes all handlers registered under the given key.
func (b *Bus) Unsubscribe(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, key)
}

// Publish enqueues a message for delivery. It never blocks: if the queue is
// full the message is rejected with ErrBusFull so misbehaving publishers
// cannot stall the system.
func (b *Bus) Publish(msg *proto.BusMsg) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return ErrBusStopped
	}

	select {
	case b.input <- msg:
		return nil
	default:
		b.logger.Warn("Queue full, dropping %s from %s to %s", msg.Type, msg.From, msg.To)
		return ErrBusFull
	}
}

// Broadcast sends a message to every subscriber.
func (b *Bus) Broadcast(msg *proto.BusMsg) error {
	msg.To = proto.BroadcastTarget
	return b.Publish(msg)
}

// Request publishes a message and blocks until a response with a matching
// correlation ID arrives, the configured timeout elapses, or the context is
// cancelled. Responders reply via proto.NewResponse.
func (b *Bus) Request(ctx context.Context, msg *proto.BusMsg) (*proto.BusMsg, error) {
	respCh := make(chan *proto.BusMsg, 1)

	b.mu.Lock()
	b.pending[msg.ID] = respCh
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}()

	if err := b.Publish(msg); err != nil {
		return nil, err
	}

	timeout := b.cfg.RequestTimeout.Std()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s waiting on %s", ErrRequestTimeout, timeout, msg.To)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bus) processLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.input:
			b.deliver(msg)
		case <-b.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) deliver(msg *proto.BusMsg) {
	if b.eventLog != nil {
		if err := b.eventLog.WriteMessage(msg); err != nil {
			b.logger.Error("Failed to log message %s: %v", msg.ID, err)
		}
	}

	// Responses to an outstanding request bypass the subscriber table.
	if msg.CorrelationID != "" {
		b.mu.RLock()
		respCh, waiting := b.pending[msg.CorrelationID]
		b.mu.RUnlock()
		if waiting {
			select {
			case respCh <- msg:
			default:
			}
			return
		}
	}

	b.mu.RLock()
	var handlers []Handler
	if msg.To == proto.BroadcastTarget {
		for _, hs := range b.subscribers {
			handlers = append(handlers, hs...)
		}
	} else {
		handlers = append(handlers, b.subscribers[msg.To]...)
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("No subscriber for %s addressed to %s", msg.Type, msg.To)
		return
	}

	for _, h := range handlers {
		b.wg.Add(1)
		go func(h Handler, m *proto.BusMsg) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Handler panicked on %s %s: %v", m.Type, m.ID, r)
				}
			}()
			h(m)
		}(h, msg.Clone())
	}
}
