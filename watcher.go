package authstate

import (
	"context"
	"sync"
	"sync/atomic"
)

// RecordWatcher opens live subscriptions to user records. At most one handle
// per watcher can be open, the caller must close before opening again.
type RecordWatcher struct {
	store    RecordStore
	logger   Logger
	provider LoggerProvider

	mu     sync.Mutex
	open   *WatchHandle
	nextID uint64
}

// NewRecordWatcher returns a watcher backed by store.
func NewRecordWatcher(store RecordStore) *RecordWatcher {
	provider, logger := ResolveLogger("authstate.watcher", nil, nil)
	return &RecordWatcher{
		store:    store,
		logger:   logger,
		provider: provider,
	}
}

// WithLogger overrides the logger.
func (w *RecordWatcher) WithLogger(logger Logger) *RecordWatcher {
	w.provider, w.logger = ResolveLogger("authstate.watcher", nil, logger)
	return w
}

// WithLoggerProvider resolves the scoped logger from provider.
func (w *RecordWatcher) WithLoggerProvider(provider LoggerProvider) *RecordWatcher {
	w.provider, w.logger = ResolveLogger("authstate.watcher", provider, w.logger)
	return w
}

// Watch opens a subscription for subjectID. handler runs on the store
// delivery goroutine and must not block.
func (w *RecordWatcher) Watch(subjectID string, handler func(WatchEvent)) (*WatchHandle, error) {
	if handler == nil {
		return nil, NewError(KindUnknown, nil, map[string]any{"reason": "watch handler is nil"})
	}

	w.mu.Lock()
	if w.open != nil && !w.open.Closed() {
		current := w.open.SubjectID()
		w.mu.Unlock()
		w.logger.Error("watch requested while another handle is open",
			"subject_id", subjectID,
			"open_subject_id", current,
		)
		return nil, ErrWatchAlreadyOpen
	}

	w.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	handle := &WatchHandle{
		id:        w.nextID,
		subjectID: subjectID,
		handler:   handler,
		cancel:    cancel,
		watcher:   w,
	}
	w.open = handle
	w.mu.Unlock()

	sub, err := w.store.Watch(ctx, subjectID, handle.deliver)
	if err != nil {
		handle.Close()
		w.logger.Error("record watch open failed", "subject_id", subjectID, "error", err)
		return nil, NormalizeError(err)
	}

	if !handle.attach(sub) {
		// closed while the store was opening the subscription
		_ = sub.Close()
	}

	w.logger.Debug("record watch opened", "subject_id", subjectID, "handle", handle.id)
	return handle, nil
}

// Close closes handle. It is safe to pass nil or an already closed handle.
func (w *RecordWatcher) Close(handle *WatchHandle) {
	if handle == nil {
		return
	}
	handle.Close()
}

// Open returns the currently open handle, if any.
func (w *RecordWatcher) Open() *WatchHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.open == nil || w.open.Closed() {
		return nil
	}
	return w.open
}

func (w *RecordWatcher) release(h *WatchHandle) {
	w.mu.Lock()
	if w.open == h {
		w.open = nil
	}
	w.mu.Unlock()
}

// WatchHandle owns one live record subscription.
type WatchHandle struct {
	id        uint64
	subjectID string
	handler   func(WatchEvent)
	cancel    context.CancelFunc
	watcher   *RecordWatcher

	// mu serializes delivery against Close, once Close returns the
	// handler is never called again
	mu     sync.Mutex
	closed atomic.Bool
	sub    Subscription
}

// ID is unique per watcher.
func (h *WatchHandle) ID() uint64 {
	return h.id
}

// SubjectID returns the watched subject.
func (h *WatchHandle) SubjectID() string {
	return h.subjectID
}

// Closed reports whether Close was called.
func (h *WatchHandle) Closed() bool {
	return h.closed.Load()
}

// Close releases the subscription. Idempotent.
func (h *WatchHandle) Close() {
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return
	}
	h.closed.Store(true)
	sub := h.sub
	h.sub = nil
	h.mu.Unlock()

	h.cancel()
	if sub != nil {
		if err := sub.Close(); err != nil && h.watcher != nil {
			h.watcher.logger.Warn("record subscription close failed", "subject_id", h.subjectID, "error", err)
		}
	}
	if h.watcher != nil {
		h.watcher.release(h)
		h.watcher.logger.Debug("record watch closed", "subject_id", h.subjectID, "handle", h.id)
	}
}

func (h *WatchHandle) attach(sub Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return false
	}
	h.sub = sub
	return true
}

func (h *WatchHandle) deliver(event WatchEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return
	}
	h.handler(event)
}
