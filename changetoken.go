package vfskit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ChangeToken signals that a watched file changed. Tokens are single-use:
// once HasChanged reports true it stays true.
//
// Consumers either poll HasChanged or register a callback.
type ChangeToken interface {
	// HasChanged returns true if a change has occurred.
	HasChanged() bool

	// ActiveChangeCallbacks indicates whether the token invokes callbacks
	// on its own. If false, consumers should poll HasChanged instead.
	ActiveChangeCallbacks() bool

	// RegisterChangeCallback registers a callback invoked once when the
	// change occurs, or immediately if it already has. It returns a
	// function that unregisters the callback.
	RegisterChangeCallback(callback func()) (unregister func())
}

// callbackList is the state shared by the token implementations.
type callbackList struct {
	mu        sync.Mutex
	changed   atomic.Bool
	callbacks []func()
}

func (l *callbackList) register(callback func()) func() {
	l.mu.Lock()
	if l.changed.Load() {
		l.mu.Unlock()
		callback()
		return func() {}
	}
	l.callbacks = append(l.callbacks, callback)
	index := len(l.callbacks) - 1
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if index < len(l.callbacks) {
			// Set to nil instead of removing to avoid index shifting
			l.callbacks[index] = nil
		}
	}
}

func (l *callbackList) signal() {
	l.mu.Lock()
	if l.changed.Swap(true) {
		l.mu.Unlock()
		return
	}
	callbacks := l.callbacks
	l.callbacks = nil
	l.mu.Unlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb()
		}
	}
}

// CallbackChangeToken is a ChangeToken fired by a driver that receives
// native change events.
type CallbackChangeToken struct {
	list callbackList
}

// NewCallbackChangeToken creates a new ChangeToken that supports active callbacks.
func NewCallbackChangeToken() *CallbackChangeToken {
	return &CallbackChangeToken{}
}

func (t *CallbackChangeToken) HasChanged() bool {
	return t.list.changed.Load()
}

func (t *CallbackChangeToken) ActiveChangeCallbacks() bool {
	return true
}

func (t *CallbackChangeToken) RegisterChangeCallback(callback func()) (unregister func()) {
	return t.list.register(callback)
}

// SignalChange marks the token as changed and invokes all callbacks.
// Only the first call has an effect.
func (t *CallbackChangeToken) SignalChange() {
	t.list.signal()
}

// PollingChangeToken is a ChangeToken for drivers without native events.
// It calls a check function at a fixed interval until the check reports a
// change, the context is cancelled, or Stop is called.
type PollingChangeToken struct {
	list   callbackList
	cancel context.CancelFunc
}

// PollingConfig configures a polling change token.
type PollingConfig struct {
	// Interval between polls (default: 5 seconds)
	Interval time.Duration
	// CheckFunc returns true if a change is detected
	CheckFunc func() bool
}

// NewPollingChangeToken starts polling with cfg. The polling goroutine exits
// when ctx is cancelled, Stop is called, or a change is seen.
func NewPollingChangeToken(ctx context.Context, cfg PollingConfig) *PollingChangeToken {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &PollingChangeToken{cancel: cancel}
	go t.poll(ctx, cfg)
	return t
}

func (t *PollingChangeToken) poll(ctx context.Context, cfg PollingConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cfg.CheckFunc != nil && cfg.CheckFunc() {
				t.list.signal()
				return
			}
		}
	}
}

func (t *PollingChangeToken) HasChanged() bool {
	return t.list.changed.Load()
}

func (t *PollingChangeToken) ActiveChangeCallbacks() bool {
	return true
}

func (t *PollingChangeToken) RegisterChangeCallback(callback func()) (unregister func()) {
	return t.list.register(callback)
}

// Stop stops the polling goroutine. It is safe to call Stop multiple times.
func (t *PollingChangeToken) Stop() {
	t.cancel()
}

// OnChange keeps watching by producing a new token each time the previous
// one fires, running changeAction after every change. It returns a function
// that stops watching.
//
// Example:
//
//	cancel := vfskit.OnChange(
//	    func() (vfskit.ChangeToken, error) {
//	        return d.Watch(ctx, "/data/main.db")
//	    },
//	    func() {
//	        log.Println("database replaced on disk, dropping page cache")
//	    },
//	)
//	defer cancel()
func OnChange(tokenProducer func() (ChangeToken, error), changeAction func()) (cancel func()) {
	ctx, cancelFunc := context.WithCancel(context.Background())

	go func() {
		for {
			token, err := tokenProducer()
			if err != nil {
				return
			}

			done := make(chan struct{})
			var once sync.Once
			unregister := token.RegisterChangeCallback(func() {
				once.Do(func() { close(done) })
			})

			select {
			case <-ctx.Done():
				unregister()
				return
			case <-done:
				unregister()
				changeAction()
			}
		}
	}()

	return cancelFunc
}
