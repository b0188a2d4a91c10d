package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// StubBus is an in-memory Bus for tests and development. Delivery is
// synchronous on Publish; failed handlers are retried once to mimic
// at-least-once semantics.
type StubBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool

	// Published keeps every payload by subject for assertions.
	published map[string][][]byte
}

// NewStubBus creates an empty in-memory bus.
func NewStubBus() *StubBus {
	return &StubBus{
		handlers:  make(map[string][]Handler),
		published: make(map[string][][]byte),
	}
}

func (b *StubBus) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.published[subject] = append(b.published[subject], data)
	handlers := append([]Handler(nil), b.handlers[subject]...)
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, data); err != nil {
			// One redelivery attempt, matching the at-least-once contract.
			if err := h(ctx, data); err != nil {
				return fmt.Errorf("stub deliver %s: %w", subject, err)
			}
		}
	}
	return nil
}

func (b *StubBus) Subscribe(_ context.Context, subject, _ string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers[subject] = append(b.handlers[subject], handler)
	return nil
}

func (b *StubBus) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Published returns the payloads published to a subject, in order.
func (b *StubBus) Published(subject string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([][]byte(nil), b.published[subject]...)
}
