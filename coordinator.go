package authstate

import (
	"context"
	"sync"
	"sync/atomic"
)

// Phase is the coordinator state machine position.
type Phase int

const (
	// PhaseIdle has no session and no watch
	PhaseIdle Phase = iota
	// PhaseWatching has a session and an open watch without a result yet
	PhaseWatching
	// PhaseSettled has a session and a definitive record result
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWatching:
		return "watching"
	case PhaseSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Discard reasons reported to CoordinatorHooks.OnDiscard.
const (
	DiscardSuperseded      = "superseded"
	DiscardSubjectMismatch = "subject_mismatch"
)

// SessionSubscriber is the session change source the coordinator listens to.
type SessionSubscriber interface {
	Subscribe(handler func(*Session)) (Disposer, error)
}

// Watcher opens record watches for the coordinator.
type Watcher interface {
	Watch(subjectID string, handler func(WatchEvent)) (*WatchHandle, error)
}

// CoordinatorHooks observe the coordinator. Hooks run inside the critical
// section and must not block.
type CoordinatorHooks struct {
	OnPublish    func(state CurrentUserState)
	OnDiscard    func(reason string, event WatchEvent)
	OnWatchOpen  func(subjectID string)
	OnWatchClose func(subjectID string)
	OnWatchError func(subjectID, reason string)
}

// CoordinatorOption customizes coordinator construction.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger overrides the coordinator logger.
func WithCoordinatorLogger(logger Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.provider, c.logger = ResolveLogger("authstate.coordinator", nil, logger)
		}
	}
}

// WithCoordinatorLoggerProvider resolves the coordinator logger from provider.
func WithCoordinatorLoggerProvider(provider LoggerProvider) CoordinatorOption {
	return func(c *Coordinator) {
		if provider != nil {
			c.provider, c.logger = ResolveLogger("authstate.coordinator", provider, c.logger)
		}
	}
}

// WithCoordinatorHooks installs observation hooks.
func WithCoordinatorHooks(hooks CoordinatorHooks) CoordinatorOption {
	return func(c *Coordinator) {
		c.hooks = hooks
	}
}

type eventKind int

const (
	eventSession eventKind = iota + 1
	eventWatch
	eventBarrier
	eventRelease
)

type event struct {
	kind    eventKind
	session *Session
	watch   WatchEvent
	gen     uint64
	done    chan struct{}
}

// Coordinator reconciles session changes and record changes into a single
// CurrentUserState. Events are processed one at a time, in arrival order,
// on the coordinator loop.
type Coordinator struct {
	sessions SessionSubscriber
	watcher  Watcher
	gate     *ReadinessGate
	hooks    CoordinatorHooks
	logger   Logger
	provider LoggerProvider

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	dispose   Disposer
	quit      chan struct{}
	loopDone  chan struct{}

	inboxMu sync.Mutex
	inbox   []event
	wake    chan struct{}

	holds atomic.Int32

	// owned by the loop
	phase      Phase
	subject    string
	handle     *WatchHandle
	gen        uint64
	pending    *UserRecord
	pendingGen uint64

	stateMu   sync.RWMutex
	current   CurrentUserState
	version   uint64
	lastError string
	loopPhase Phase
	subs      map[uint64]*subscriber
	nextSub   uint64
}

// NewCoordinator builds a coordinator. Call Start to begin listening.
func NewCoordinator(sessions SessionSubscriber, watcher Watcher, opts ...CoordinatorOption) *Coordinator {
	provider, logger := ResolveLogger("authstate.coordinator", nil, nil)
	c := &Coordinator{
		sessions: sessions,
		watcher:  watcher,
		gate:     NewReadinessGate(),
		logger:   logger,
		provider: provider,
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		subs:     map[uint64]*subscriber{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c
}

// Start runs the event loop and subscribes to the session stream. A session
// stream failure is returned as is and leaves the coordinator stopped.
func (c *Coordinator) Start() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.stopped {
		return ErrCoordinatorStopped
	}
	if c.started {
		return nil
	}

	go c.loop()

	dispose, err := c.sessions.Subscribe(c.onSession)
	if err != nil {
		c.logger.Error("coordinator start failed", "error", err)
		c.stopped = true
		close(c.quit)
		<-c.loopDone
		return err
	}

	c.dispose = dispose
	c.started = true
	return nil
}

// Stop detaches from the session stream and closes the open watch. The last
// published state is kept, the readiness gate is left as is.
func (c *Coordinator) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true

	if c.dispose != nil {
		c.dispose()
	}

	if c.started {
		close(c.quit)
		<-c.loopDone
	} else {
		close(c.quit)
	}
}

// Ready returns the readiness gate.
func (c *Coordinator) Ready() *ReadinessGate {
	return c.gate
}

// Current returns the last published state.
func (c *Coordinator) Current() CurrentUserState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.current
}

// Phase returns the state machine phase as of the last processed event.
func (c *Coordinator) Phase() Phase {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.loopPhase
}

// LastWatchError returns the reason of the last watch error, cleared on
// every successful record result.
func (c *Coordinator) LastWatchError() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastError
}

// Subscribe registers fn. It receives the current state right away and then
// every publish in order. fn runs on the coordinator loop and must not block
// nor call Sync.
func (c *Coordinator) Subscribe(fn func(CurrentUserState)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	sub := &subscriber{fn: fn}

	c.stateMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = sub
	state, version := c.current, c.version
	c.stateMu.Unlock()

	sub.deliver(state, version)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.stateMu.Lock()
			delete(c.subs, id)
			c.stateMu.Unlock()
		})
	}
}

// Sync waits until every event queued before the call has been processed.
func (c *Coordinator) Sync(ctx context.Context) error {
	done := make(chan struct{})
	c.enqueue(event{kind: eventBarrier, done: done})

	select {
	case <-done:
		return nil
	case <-c.loopDone:
		return ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hold withholds Present publishes until release is called. Session
// changes and None results are still applied. A record found while held is
// published on release if its watch is still current.
func (c *Coordinator) Hold() (release func()) {
	c.holds.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.holds.Add(-1)
			c.enqueue(event{kind: eventRelease})
		})
	}
}

var _ AdmissionGate = (*Coordinator)(nil)

func (c *Coordinator) onSession(session *Session) {
	var copied *Session
	if session != nil {
		s := *session
		copied = &s
	}
	c.enqueue(event{kind: eventSession, session: copied})
}

func (c *Coordinator) enqueue(ev event) {
	c.inboxMu.Lock()
	c.inbox = append(c.inbox, ev)
	c.inboxMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) next() (event, bool) {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if len(c.inbox) == 0 {
		return event{}, false
	}
	ev := c.inbox[0]
	c.inbox[0] = event{}
	c.inbox = c.inbox[1:]
	return ev, true
}

func (c *Coordinator) loop() {
	defer close(c.loopDone)
	defer c.closeHandle()

	for {
		select {
		case <-c.quit:
			return
		case <-c.wake:
		}

		for {
			select {
			case <-c.quit:
				return
			default:
			}

			ev, ok := c.next()
			if !ok {
				break
			}
			c.process(ev)
		}
	}
}

func (c *Coordinator) process(ev event) {
	switch ev.kind {
	case eventSession:
		c.handleSession(ev.session)
	case eventWatch:
		c.handleWatch(ev.gen, ev.watch)
	case eventRelease:
		c.handleRelease()
	case eventBarrier:
		close(ev.done)
		return
	}

	c.stateMu.Lock()
	c.loopPhase = c.phase
	c.stateMu.Unlock()
}

func (c *Coordinator) handleSession(session *Session) {
	if session == nil || session.SubjectID != c.subject {
		c.pending = nil
	}

	if session == nil {
		c.closeHandle()
		c.subject = ""
		c.phase = PhaseIdle
		c.logger.Debug("session cleared")
		c.publish(None())
		return
	}

	if c.handle != nil && c.subject == session.SubjectID {
		c.logger.Debug("session refreshed for watched subject", "subject_id", session.SubjectID)
		return
	}

	c.closeHandle()

	c.gen++
	gen := c.gen
	c.subject = session.SubjectID

	handle, err := c.watcher.Watch(session.SubjectID, func(we WatchEvent) {
		c.enqueue(event{kind: eventWatch, gen: gen, watch: we})
	})
	if err != nil {
		c.phase = PhaseSettled
		c.recordWatchError(session.SubjectID, err.Error())
		c.publish(None())
		return
	}

	c.handle = handle
	c.phase = PhaseWatching
	if c.hooks.OnWatchOpen != nil {
		c.hooks.OnWatchOpen(session.SubjectID)
	}
}

func (c *Coordinator) handleWatch(gen uint64, we WatchEvent) {
	if c.handle == nil || gen != c.gen {
		c.logger.Debug("discarding event from superseded watch", "kind", we.Kind.String())
		c.discard(DiscardSuperseded, we)
		return
	}

	switch we.Kind {
	case WatchFound:
		if we.Record == nil || we.Record.SubjectID != c.subject {
			c.logger.Warn("discarding record for another subject",
				"subject_id", c.subject,
				"record_subject_id", recordSubject(we.Record),
			)
			c.discard(DiscardSubjectMismatch, we)
			return
		}
		c.clearWatchError()
		if c.holds.Load() > 0 {
			c.logger.Debug("holding record until admission completes", "subject_id", c.subject)
			c.pending, c.pendingGen = we.Record, gen
			return
		}
		c.pending = nil
		c.phase = PhaseSettled
		c.publish(Present(we.Record))
	case WatchNotFound:
		c.pending = nil
		c.phase = PhaseSettled
		c.clearWatchError()
		c.publish(None())
	case WatchError:
		c.pending = nil
		c.phase = PhaseSettled
		c.recordWatchError(c.subject, we.Reason)
		c.publish(None())
	}
}

func (c *Coordinator) handleRelease() {
	if c.pending == nil || c.holds.Load() > 0 {
		return
	}

	record := c.pending
	c.pending = nil
	if c.handle == nil || c.pendingGen != c.gen {
		c.logger.Debug("dropping held record from superseded watch", "subject_id", record.SubjectID)
		return
	}

	c.phase = PhaseSettled
	c.publish(Present(record))
}

func (c *Coordinator) closeHandle() {
	if c.handle == nil {
		return
	}
	handle := c.handle
	c.handle = nil
	handle.Close()
	if c.hooks.OnWatchClose != nil {
		c.hooks.OnWatchClose(handle.SubjectID())
	}
}

func (c *Coordinator) discard(reason string, we WatchEvent) {
	if c.hooks.OnDiscard != nil {
		c.hooks.OnDiscard(reason, we)
	}
}

func (c *Coordinator) recordWatchError(subjectID, reason string) {
	c.logger.Error("record watch error", "subject_id", subjectID, "error", reason)
	c.stateMu.Lock()
	c.lastError = reason
	c.stateMu.Unlock()
	if c.hooks.OnWatchError != nil {
		c.hooks.OnWatchError(subjectID, reason)
	}
}

func (c *Coordinator) clearWatchError() {
	c.stateMu.Lock()
	c.lastError = ""
	c.stateMu.Unlock()
}

func (c *Coordinator) publish(state CurrentUserState) {
	c.stateMu.Lock()
	c.version++
	c.current = state
	c.loopPhase = c.phase
	version := c.version
	subs := make([]*subscriber, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.stateMu.Unlock()

	c.logger.Debug("state published", "state", state.String(), "version", version)

	if c.hooks.OnPublish != nil {
		c.hooks.OnPublish(state)
	}

	for _, sub := range subs {
		sub.deliver(state, version)
	}

	if c.gate.resolve(state) {
		c.logger.Info("auth state ready", "state", state.String())
	}
}

func recordSubject(record *UserRecord) string {
	if record == nil {
		return ""
	}
	return record.SubjectID
}

type subscriber struct {
	mu   sync.Mutex
	fn   func(CurrentUserState)
	seen uint64
	init bool
}

func (s *subscriber) deliver(state CurrentUserState, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.init && version <= s.seen {
		return
	}
	s.init = true
	s.seen = version
	s.fn(state)
}
