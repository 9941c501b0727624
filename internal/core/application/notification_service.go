package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"
	"github.com/vulpemventures/connector/internal/core/domain"
	"github.com/vulpemventures/connector/internal/core/ports"
	"golang.org/x/sync/errgroup"
)

const (
	primeRetries       = 2
	primeRetryInterval = 100 * time.Millisecond
)

// NotificationService keeps track of the live connections and of their
// subscriptions, and pushes new block and balance change notifications to
// them every time one of the event sources signals a possible change of the
// chain state.
//
// Registry and connections are guarded by a single lock that is never held
// while waiting for a backend. Notification cycles are serialized.
type NotificationService struct {
	methodSvc *MethodService
	tipRepo   domain.TipRepository
	sources   []ports.EventSource

	lock        *sync.Mutex
	registry    *SubscriptionRegistry
	connections map[string]ports.Notifier
	tip         domain.BlockTip

	cycleLock *sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        *sync.WaitGroup

	log  func(format string, a ...interface{})
	warn func(err error, format string, a ...interface{})
}

func NewNotificationService(
	methodSvc *MethodService, tipRepo domain.TipRepository,
	sources ...ports.EventSource,
) *NotificationService {
	logFn := func(format string, a ...interface{}) {
		format = fmt.Sprintf("notification service: %s", format)
		log.Debugf(format, a...)
	}
	warnFn := func(err error, format string, a ...interface{}) {
		format = fmt.Sprintf("notification service: %s", format)
		log.WithError(err).Warnf(format, a...)
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &NotificationService{
		methodSvc:   methodSvc,
		tipRepo:     tipRepo,
		sources:     sources,
		lock:        &sync.Mutex{},
		registry:    NewSubscriptionRegistry(),
		connections: make(map[string]ports.Notifier),
		cycleLock:   &sync.Mutex{},
		ctx:         ctx,
		cancel:      cancel,
		wg:          &sync.WaitGroup{},
		log:         logFn,
		warn:        warnFn,
	}
}

// Start restores the last announced tip, or takes the current one as
// reference if none was ever announced, and starts listening to the event
// sources.
func (s *NotificationService) Start() error {
	tip, err := s.tipRepo.GetTip(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to restore block tip: %w", err)
	}
	if tip != nil {
		s.log("restored block tip %s", tip)
	} else if tip, err = s.methodSvc.GetChainTip(s.ctx); err != nil {
		s.warn(err, "failed to fetch reference block tip")
	} else {
		s.log("reference block tip %s", tip)
	}
	if tip != nil {
		s.lock.Lock()
		s.tip = *tip
		s.lock.Unlock()
	}

	for i, source := range s.sources {
		if err := source.Start(); err != nil {
			for _, started := range s.sources[:i] {
				started.Stop()
			}
			return fmt.Errorf("failed to start event source: %w", err)
		}
		s.wg.Add(1)
		go s.listen(source)
	}
	s.log("started with %d event source(s)", len(s.sources))
	return nil
}

// Stop stops the event sources and waits for any running cycle to end.
func (s *NotificationService) Stop() {
	s.cancel()
	for _, source := range s.sources {
		source.Stop()
	}
	s.wg.Wait()
	s.log("stopped")
}

// RegisterConnection makes the given connection eligible for subscriptions.
func (s *NotificationService) RegisterConnection(conn ports.Notifier) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.connections[conn.ID()] = conn
	openConnections.Set(float64(len(s.connections)))
}

// OnConnectionClosed forgets the given connection and removes all of its
// subscriptions. It is safe to call it multiple times.
func (s *NotificationService) OnConnectionClosed(connectionID string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.removeConnection(connectionID)
}

// SubscribeToAddressBalance subscribes the connection to the balance changes
// of the given address. The first subscriber of an address triggers an
// immediate fetch of its balance, used as baseline for later notifications.
// If the baseline can't be fetched, the address is left unprimed and the
// first balance computed by a later cycle is notified.
func (s *NotificationService) SubscribeToAddressBalance(
	ctx context.Context, connectionID, address string,
) bool {
	sub := domain.Subscription{
		ConnectionID: connectionID, Topic: domain.TopicBalance, Address: address,
	}

	s.lock.Lock()
	if _, ok := s.connections[connectionID]; !ok {
		s.lock.Unlock()
		return false
	}
	if !s.registry.Subscribe(sub) {
		s.lock.Unlock()
		return false
	}
	_, hasBaseline := s.registry.LastKnownBalance(address)
	watchedAddresses.Set(float64(len(s.registry.balanceSubscribers)))
	s.lock.Unlock()

	s.log("subscribed %s", sub)
	if !hasBaseline {
		s.primeBalance(ctx, address)
	}
	return true
}

func (s *NotificationService) UnsubscribeFromAddressBalance(
	connectionID, address string,
) bool {
	sub := domain.Subscription{
		ConnectionID: connectionID, Topic: domain.TopicBalance, Address: address,
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	ok := s.registry.Unsubscribe(sub)
	watchedAddresses.Set(float64(len(s.registry.balanceSubscribers)))
	if ok {
		s.log("unsubscribed %s", sub)
	}
	return ok
}

func (s *NotificationService) SubscribeToNewBlocks(connectionID string) bool {
	sub := domain.Subscription{
		ConnectionID: connectionID, Topic: domain.TopicNewBlock,
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.connections[connectionID]; !ok {
		return false
	}
	return s.registry.Subscribe(sub)
}

func (s *NotificationService) UnsubscribeFromNewBlocks(connectionID string) bool {
	sub := domain.Subscription{
		ConnectionID: connectionID, Topic: domain.TopicNewBlock,
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	return s.registry.Unsubscribe(sub)
}

// LastKnownBalance returns the cached balance of a watched address.
func (s *NotificationService) LastKnownBalance(
	address string,
) (domain.Balance, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.registry.LastKnownBalance(address)
}

// BalanceSubscribers returns the ids of the connections subscribed to the
// balance of the given address.
func (s *NotificationService) BalanceSubscribers(address string) []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.registry.BalanceSubscribers(address)
}

// Tip returns the last announced block tip.
func (s *NotificationService) Tip() domain.BlockTip {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.tip
}

// ProcessSignal runs a notification cycle: it announces the chain tip if
// changed, then recomputes the balance of every watched address and notifies
// its subscribers of any change.
func (s *NotificationService) ProcessSignal(
	ctx context.Context, signal ports.Signal,
) {
	s.cycleLock.Lock()
	defer s.cycleLock.Unlock()

	start := time.Now()
	defer func() {
		cycleDuration.Observe(time.Since(start).Seconds())
	}()

	s.log("processing %s signal from %s", signal.Type, signal.Source)
	s.checkTip(ctx)
	s.checkBalances(ctx)
}

func (s *NotificationService) listen(source ports.EventSource) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case signal, ok := <-source.Signals():
			if !ok {
				return
			}
			s.ProcessSignal(s.ctx, signal)
		}
	}
}

func (s *NotificationService) primeBalance(ctx context.Context, address string) {
	var balance *domain.Balance
	op := func() (err error) {
		balance, err = s.methodSvc.GetAddressBalance(ctx, address)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(primeRetryInterval), primeRetries,
	), ctx)
	err := backoff.Retry(op, bo)

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.registry.LastKnownBalance(address); ok {
		return
	}
	if err != nil {
		s.warn(err, "failed to fetch initial balance of %s", address)
		s.registry.MarkUnprimed(address)
		return
	}
	s.registry.SetLastKnownBalance(address, *balance)
}

func (s *NotificationService) checkTip(ctx context.Context) {
	tip, err := s.methodSvc.GetChainTip(ctx)
	if err != nil {
		s.warn(err, "failed to fetch chain tip")
		return
	}

	s.lock.Lock()
	if tip.Equal(s.tip) {
		s.lock.Unlock()
		return
	}
	toClose := s.broadcast(
		s.registry.BlockSubscribers(), domain.NewBlockNotification(),
	)
	s.tip = *tip
	s.lock.Unlock()

	s.closeConnections(toClose)
	s.log("block tip updated to %s", tip)

	if err := s.tipRepo.UpdateTip(ctx, *tip); err != nil {
		s.warn(err, "failed to persist block tip %s", tip)
	}
}

func (s *NotificationService) checkBalances(ctx context.Context) {
	s.lock.Lock()
	addresses := s.registry.WatchedAddresses()
	s.lock.Unlock()

	if len(addresses) <= 0 {
		return
	}

	balances := make([]*domain.Balance, len(addresses))
	g := &errgroup.Group{}
	g.SetLimit(s.methodSvc.maxConcurrency)
	for i, address := range addresses {
		i, address := i, address
		g.Go(func() error {
			balance, err := s.methodSvc.GetAddressBalance(ctx, address)
			if err != nil {
				s.warn(err, "failed to fetch balance of %s", address)
				return err
			}
			balances[i] = balance
			return nil
		})
	}
	// Failed addresses keep their previous balance until the next cycle.
	if err := g.Wait(); err != nil {
		s.log("balance pass completed with failures")
	}

	s.lock.Lock()
	toClose := make([]ports.Notifier, 0)
	for i, address := range addresses {
		balance := balances[i]
		if balance == nil || !s.registry.IsWatched(address) {
			continue
		}

		lastBalance, ok := s.registry.LastKnownBalance(address)
		unprimed := s.registry.IsUnprimed(address)
		s.registry.SetLastKnownBalance(address, *balance)
		if ok && lastBalance.Equal(*balance) {
			continue
		}
		// Missing baseline while the subscription is still being primed.
		if !ok && !unprimed {
			continue
		}

		s.log("balance of %s changed to %s", address, balance)
		toClose = append(toClose, s.broadcast(
			s.registry.BalanceSubscribers(address),
			domain.NewBalanceNotification(address, *balance),
		)...)
	}
	s.lock.Unlock()

	s.closeConnections(toClose)
}

// broadcast enqueues the notification to every given connection. Those with
// a full queue are dropped together with their subscriptions and returned so
// that they can be closed once the lock is released.
// The caller must hold the lock.
func (s *NotificationService) broadcast(
	connectionIDs []string, notification domain.Notification,
) []ports.Notifier {
	dropped := make([]ports.Notifier, 0)
	event := string(notification.Event)
	for _, id := range connectionIDs {
		conn, ok := s.connections[id]
		if !ok {
			continue
		}
		if conn.Notify(notification) {
			notificationsSent.WithLabelValues(event).Inc()
			continue
		}

		notificationsDropped.WithLabelValues(event).Inc()
		s.warn(
			fmt.Errorf("outgoing queue full"),
			"dropping %s notification and closing connection %s", event, id,
		)
		s.removeConnection(id)
		dropped = append(dropped, conn)
	}
	return dropped
}

// The caller must hold the lock.
func (s *NotificationService) removeConnection(connectionID string) {
	delete(s.connections, connectionID)
	if count := s.registry.RemoveConnection(connectionID); count > 0 {
		s.log("removed %d subscription(s) of connection %s", count, connectionID)
	}
	openConnections.Set(float64(len(s.connections)))
	watchedAddresses.Set(float64(len(s.registry.balanceSubscribers)))
}

func (s *NotificationService) closeConnections(conns []ports.Notifier) {
	for _, conn := range conns {
		conn.Close()
	}
}
