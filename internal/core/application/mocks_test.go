package application_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"
	"github.com/vulpemventures/connector/internal/core/domain"
	"github.com/vulpemventures/connector/internal/core/ports"
)

// ports.BackendClient
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Call(
	ctx context.Context, method string, params ...interface{},
) (json.RawMessage, error) {
	args := m.Called(append([]interface{}{method}, params...)...)

	var res json.RawMessage
	if a := args.Get(0); a != nil {
		res = a.(json.RawMessage)
	}
	return res, args.Error(1)
}

func (m *mockBackend) CallOnce(
	ctx context.Context, method string, params ...interface{},
) (json.RawMessage, error) {
	args := m.Called(append([]interface{}{method}, params...)...)

	var res json.RawMessage
	if a := args.Get(0); a != nil {
		res = a.(json.RawMessage)
	}
	return res, args.Error(1)
}

// fakeChain is a stateful ports.BackendClient playing both the role of the
// daemon and of the indexer.
type fakeChain struct {
	lock     sync.Mutex
	height   int64
	balances map[string]domain.Balance
	failures map[string]error
	// method -> number of calls still failing, unset means forever
	failuresLeft map[string]int
	calls        map[string]int
}

func newFakeChain(height int64) *fakeChain {
	return &fakeChain{
		height:   height,
		balances: make(map[string]domain.Balance),
		failures:     make(map[string]error),
		failuresLeft: make(map[string]int),
		calls:        make(map[string]int),
	}
}

func (f *fakeChain) Call(
	_ context.Context, method string, params ...interface{},
) (json.RawMessage, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.calls[method]++
	if err, ok := f.failures[method]; ok {
		if left, ok := f.failuresLeft[method]; ok {
			if left <= 1 {
				delete(f.failures, method)
				delete(f.failuresLeft, method)
			} else {
				f.failuresLeft[method] = left - 1
			}
		}
		return nil, err
	}

	switch method {
	case "getblockcount":
		return json.Marshal(f.height)
	case "getblockhash":
		return json.Marshal(blockHash(params[0].(int64)))
	case "getaddressbalance":
		balance := f.balances[params[0].(string)]
		return json.Marshal(map[string]string{
			"confirmed":   domain.FromSmallestUnit(balance.Confirmed).String(),
			"unconfirmed": domain.FromSmallestUnit(balance.Unconfirmed).String(),
		})
	default:
		return nil, fmt.Errorf("unexpected method %s", method)
	}
}

func (f *fakeChain) CallOnce(
	ctx context.Context, method string, params ...interface{},
) (json.RawMessage, error) {
	return f.Call(ctx, method, params...)
}

func (f *fakeChain) setHeight(height int64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.height = height
}

func (f *fakeChain) setBalance(address string, balance domain.Balance) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.balances[address] = balance
}

func (f *fakeChain) setFailure(method string, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.failuresLeft, method)
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

func (f *fakeChain) setTransientFailure(method string, err error, times int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.failures[method] = err
	f.failuresLeft[method] = times
}

func (f *fakeChain) callCount(method string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls[method]
}

// ports.Notifier
type mockNotifier struct {
	id       string
	capacity int

	lock          sync.Mutex
	notifications []domain.Notification
	closed        bool
}

func newMockNotifier(id string, capacity int) *mockNotifier {
	return &mockNotifier{id: id, capacity: capacity}
}

func (n *mockNotifier) ID() string {
	return n.id
}

func (n *mockNotifier) Notify(notification domain.Notification) bool {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.closed || len(n.notifications) >= n.capacity {
		return false
	}
	n.notifications = append(n.notifications, notification)
	return true
}

func (n *mockNotifier) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.closed = true
}

func (n *mockNotifier) received() []domain.Notification {
	n.lock.Lock()
	defer n.lock.Unlock()
	return append([]domain.Notification{}, n.notifications...)
}

func (n *mockNotifier) isClosed() bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.closed
}

// domain.TipRepository
type mockTipRepository struct {
	lock sync.Mutex
	tip  *domain.BlockTip
}

func (r *mockTipRepository) GetTip(context.Context) (*domain.BlockTip, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.tip, nil
}

func (r *mockTipRepository) UpdateTip(_ context.Context, tip domain.BlockTip) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.tip = &tip
	return nil
}

func (r *mockTipRepository) Close() {}

// ports.EventSource
type mockEventSource struct {
	chSignals chan ports.Signal
	once      sync.Once
}

func newMockEventSource() *mockEventSource {
	return &mockEventSource{chSignals: make(chan ports.Signal)}
}

func (s *mockEventSource) Start() error {
	return nil
}

func (s *mockEventSource) Stop() {
	s.once.Do(func() { close(s.chSignals) })
}

func (s *mockEventSource) Signals() <-chan ports.Signal {
	return s.chSignals
}

func blockHash(height int64) string {
	return fmt.Sprintf("%064x", height)
}
