package authstate_test

import (
	"context"
	"errors"
	"sync"

	"github.com/goliatone/go-authstate"
	"github.com/stretchr/testify/mock"
)

// fakeNotifier is a push session source driven by the test.
type fakeNotifier struct {
	mu        sync.Mutex
	current   *authstate.Session
	listeners map[int]func(*authstate.Session)
	nextID    int
	initErr   error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{listeners: map[int]func(*authstate.Session){}}
}

func (n *fakeNotifier) OnSessionChanged(listener func(*authstate.Session)) (func(), error) {
	n.mu.Lock()
	if n.initErr != nil {
		err := n.initErr
		n.mu.Unlock()
		return nil, err
	}
	n.nextID++
	id := n.nextID
	n.listeners[id] = listener
	current := n.current
	n.mu.Unlock()

	listener(current)

	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}, nil
}

func (n *fakeNotifier) Emit(session *authstate.Session) {
	n.mu.Lock()
	n.current = session
	listeners := make([]func(*authstate.Session), 0, len(n.listeners))
	for _, l := range n.listeners {
		listeners = append(listeners, l)
	}
	n.mu.Unlock()

	for _, l := range listeners {
		l(session)
	}
}

func (n *fakeNotifier) ListenerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}

// fakeSubscription is one live subscription of fakeStore.
type fakeSubscription struct {
	store   *fakeStore
	subject string
	handler func(authstate.WatchEvent)

	mu     sync.Mutex
	closed bool
	closes int
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	s.closes++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.store.released()
	return nil
}

func (s *fakeSubscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Deliver calls the handler even if the subscription was closed, the way a
// store goroutine racing with Close would.
func (s *fakeSubscription) Deliver(ev authstate.WatchEvent) {
	s.handler(ev)
}

// fakeStore is an in-memory RecordStore. Deliveries are explicit unless
// autoDeliver is set.
type fakeStore struct {
	mu          sync.Mutex
	records     map[string]*authstate.UserRecord
	subs        []*fakeSubscription
	open        int
	maxOpen     int
	autoDeliver bool
	watchErr    error
	getErr      error
	putErr      error
	puts        int
	beforeGet   func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*authstate.UserRecord{}}
}

func (s *fakeStore) Watch(_ context.Context, subjectID string, handler func(authstate.WatchEvent)) (authstate.Subscription, error) {
	s.mu.Lock()
	if s.watchErr != nil {
		err := s.watchErr
		s.mu.Unlock()
		return nil, err
	}
	sub := &fakeSubscription{store: s, subject: subjectID, handler: handler}
	s.subs = append(s.subs, sub)
	s.open++
	if s.open > s.maxOpen {
		s.maxOpen = s.open
	}
	auto := s.autoDeliver
	record := s.records[subjectID].Clone()
	s.mu.Unlock()

	if auto {
		if record != nil {
			handler(authstate.Found(record))
		} else {
			handler(authstate.NotFound())
		}
	}
	return sub, nil
}

func (s *fakeStore) Get(_ context.Context, subjectID string) (*authstate.UserRecord, error) {
	if s.beforeGet != nil {
		s.beforeGet()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	record, ok := s.records[subjectID]
	if !ok {
		return nil, authstate.ErrRecordNotFound
	}
	return record.Clone(), nil
}

func (s *fakeStore) Put(_ context.Context, record *authstate.UserRecord) error {
	s.mu.Lock()
	if s.putErr != nil {
		err := s.putErr
		s.mu.Unlock()
		return err
	}
	s.puts++
	s.records[record.SubjectID] = record.Clone()
	var targets []*fakeSubscription
	if s.autoDeliver {
		for _, sub := range s.subs {
			if sub.subject == record.SubjectID && !sub.Closed() {
				targets = append(targets, sub)
			}
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.Deliver(authstate.Found(record))
	}
	return nil
}

func (s *fakeStore) Seed(record *authstate.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.SubjectID] = record.Clone()
}

func (s *fakeStore) released() {
	s.mu.Lock()
	s.open--
	s.mu.Unlock()
}

func (s *fakeStore) Subs(subjectID string) []*fakeSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeSubscription
	for _, sub := range s.subs {
		if sub.subject == subjectID {
			out = append(out, sub)
		}
	}
	return out
}

func (s *fakeStore) Last(subjectID string) *fakeSubscription {
	subs := s.Subs(subjectID)
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

func (s *fakeStore) MaxOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOpen
}

func (s *fakeStore) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// stateRecorder collects published states.
type stateRecorder struct {
	mu     sync.Mutex
	states []authstate.CurrentUserState
}

func (r *stateRecorder) Record(state authstate.CurrentUserState) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *stateRecorder) Strings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s.String())
	}
	return out
}

// MockIdentityProvider implements authstate.IdentityProvider
type MockIdentityProvider struct {
	mock.Mock
	notifier *fakeNotifier
}

func newMockIdentityProvider() *MockIdentityProvider {
	return &MockIdentityProvider{notifier: newFakeNotifier()}
}

func (m *MockIdentityProvider) OnSessionChanged(listener func(*authstate.Session)) (func(), error) {
	return m.notifier.OnSessionChanged(listener)
}

func (m *MockIdentityProvider) CurrentSession() *authstate.Session {
	args := m.Called()
	if s, ok := args.Get(0).(*authstate.Session); ok {
		return s
	}
	return nil
}

func (m *MockIdentityProvider) CreateAccount(ctx context.Context, email, password string) (*authstate.Session, error) {
	args := m.Called(ctx, email, password)
	s, _ := args.Get(0).(*authstate.Session)
	return s, args.Error(1)
}

func (m *MockIdentityProvider) SignInWithPassword(ctx context.Context, email, password string) (*authstate.Session, error) {
	args := m.Called(ctx, email, password)
	s, _ := args.Get(0).(*authstate.Session)
	if s != nil && args.Error(1) == nil {
		m.notifier.Emit(s)
	}
	return s, args.Error(1)
}

func (m *MockIdentityProvider) SignInWithFederated(ctx context.Context, credential authstate.FederatedCredential) (*authstate.Session, error) {
	args := m.Called(ctx, credential)
	s, _ := args.Get(0).(*authstate.Session)
	if s != nil && args.Error(1) == nil {
		m.notifier.Emit(s)
	}
	return s, args.Error(1)
}

func (m *MockIdentityProvider) SignOut(ctx context.Context) error {
	args := m.Called(ctx)
	if args.Error(0) == nil {
		m.notifier.Emit(nil)
	}
	return args.Error(0)
}

func (m *MockIdentityProvider) UpdateProfile(ctx context.Context, update authstate.ProfileUpdate) (*authstate.Session, error) {
	args := m.Called(ctx, update)
	s, _ := args.Get(0).(*authstate.Session)
	return s, args.Error(1)
}

func (m *MockIdentityProvider) SendPasswordReset(ctx context.Context, email string) error {
	args := m.Called(ctx, email)
	return args.Error(0)
}

// MockFederatedFlow implements authstate.FederatedFlow
type MockFederatedFlow struct {
	mock.Mock
}

func (m *MockFederatedFlow) Name() string {
	return "google"
}

func (m *MockFederatedFlow) Authenticate(ctx context.Context) (authstate.FederatedCredential, error) {
	args := m.Called(ctx)
	return args.Get(0).(authstate.FederatedCredential), args.Error(1)
}

// activityRecorder captures activity events.
type activityRecorder struct {
	mu     sync.Mutex
	events []authstate.ActivityEvent
	err    error
}

func (r *activityRecorder) Record(_ context.Context, event authstate.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *activityRecorder) Types() []authstate.ActivityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]authstate.ActivityEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func (r *activityRecorder) Last() authstate.ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return authstate.ActivityEvent{}
	}
	return r.events[len(r.events)-1]
}

var errNetworkLost = errors.New("dial tcp 10.0.0.1:443: connection refused")
