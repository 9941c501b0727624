package application_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/connector/internal/core/application"
	"github.com/vulpemventures/connector/internal/core/domain"
	"github.com/vulpemventures/connector/internal/core/ports"
)

var pollSignal = ports.Signal{Type: ports.PollSignal, Source: "test"}

func newNotificationService(
	t *testing.T, chain *fakeChain, tipRepo domain.TipRepository,
	sources ...ports.EventSource,
) *application.NotificationService {
	if tipRepo == nil {
		tipRepo = &mockTipRepository{}
	}
	methodSvc := newMethodService(t, chain, chain)
	return application.NewNotificationService(methodSvc, tipRepo, sources...)
}

func startNotificationService(
	t *testing.T, chain *fakeChain, tipRepo domain.TipRepository,
) *application.NotificationService {
	svc := newNotificationService(t, chain, tipRepo)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)
	return svc
}

func TestNotificationService(t *testing.T) {
	t.Run("new blocks", testNewBlocks)
	t.Run("reference tip", testReferenceTip)
	t.Run("restored tip", testRestoredTip)
	t.Run("balance changes", testBalanceChanges)
	t.Run("subscriptions", testSubscriptions)
	t.Run("connection lifecycle", testConnectionLifecycle)
	t.Run("slow consumer", testSlowConsumer)
	t.Run("backend failures", testBackendFailures)
	t.Run("event sources", testEventSources)
}

func testNewBlocks(t *testing.T) {
	chain := newFakeChain(100)
	tipRepo := &mockTipRepository{}
	svc := startNotificationService(t, chain, tipRepo)
	require.Equal(t, domain.BlockTip{Height: 100, Hash: blockHash(100)}, svc.Tip())

	c1 := newMockNotifier("c1", 10)
	c2 := newMockNotifier("c2", 10)
	svc.RegisterConnection(c1)
	svc.RegisterConnection(c2)
	require.True(t, svc.SubscribeToNewBlocks("c1"))

	// Same tip, nothing to announce.
	svc.ProcessSignal(ctx, pollSignal)
	require.Empty(t, c1.received())

	chain.setHeight(101)
	svc.ProcessSignal(ctx, pollSignal)
	require.Equal(t, []domain.Notification{domain.NewBlockNotification()}, c1.received())
	require.Empty(t, c2.received())

	tip, err := tipRepo.GetTip(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.BlockTip{Height: 101, Hash: blockHash(101)}, *tip)

	require.True(t, svc.UnsubscribeFromNewBlocks("c1"))
	require.False(t, svc.UnsubscribeFromNewBlocks("c1"))

	chain.setHeight(102)
	svc.ProcessSignal(ctx, pollSignal)
	require.Len(t, c1.received(), 1)
}

func testReferenceTip(t *testing.T) {
	t.Run("block mined before the first cycle", func(t *testing.T) {
		chain := newFakeChain(100)
		svc := startNotificationService(t, chain, nil)

		c1 := newMockNotifier("c1", 10)
		svc.RegisterConnection(c1)
		require.True(t, svc.SubscribeToNewBlocks("c1"))

		chain.setHeight(101)
		svc.ProcessSignal(ctx, pollSignal)
		require.Equal(t, []domain.Notification{domain.NewBlockNotification()}, c1.received())
		require.Equal(t, domain.BlockTip{Height: 101, Hash: blockHash(101)}, svc.Tip())
	})

	t.Run("backend unavailable at start", func(t *testing.T) {
		chain := newFakeChain(100)
		chain.setFailure("getblockcount", fmt.Errorf(
			"%w: connection refused", ports.ErrBackendUnavailable,
		))
		svc := startNotificationService(t, chain, nil)
		require.True(t, svc.Tip().IsZero())

		c1 := newMockNotifier("c1", 10)
		svc.RegisterConnection(c1)
		require.True(t, svc.SubscribeToNewBlocks("c1"))

		chain.setFailure("getblockcount", nil)
		svc.ProcessSignal(ctx, pollSignal)
		require.Equal(t, []domain.Notification{domain.NewBlockNotification()}, c1.received())
	})
}

func testRestoredTip(t *testing.T) {
	chain := newFakeChain(101)
	tipRepo := &mockTipRepository{
		tip: &domain.BlockTip{Height: 100, Hash: blockHash(100)},
	}
	svc := startNotificationService(t, chain, tipRepo)

	require.Equal(t, domain.BlockTip{Height: 100, Hash: blockHash(100)}, svc.Tip())

	c1 := newMockNotifier("c1", 10)
	svc.RegisterConnection(c1)
	svc.SubscribeToNewBlocks("c1")

	// The block mined while offline is announced right away.
	svc.ProcessSignal(ctx, pollSignal)
	require.Equal(t, []domain.Notification{domain.NewBlockNotification()}, c1.received())
}

func testBalanceChanges(t *testing.T) {
	chain := newFakeChain(100)
	svc := newNotificationService(t, chain, nil)

	c1 := newMockNotifier("c1", 10)
	c2 := newMockNotifier("c2", 10)
	svc.RegisterConnection(c1)
	svc.RegisterConnection(c2)

	require.True(t, svc.SubscribeToAddressBalance(ctx, "c1", addr1))
	require.True(t, svc.SubscribeToAddressBalance(ctx, "c2", addr1))
	require.True(t, svc.SubscribeToAddressBalance(ctx, "c2", addr2))

	// Baselines are fetched once per address.
	require.Equal(t, 2, chain.callCount("getaddressbalance"))
	balance, ok := svc.LastKnownBalance(addr1)
	require.True(t, ok)
	require.Equal(t, domain.Balance{}, balance)

	svc.ProcessSignal(ctx, pollSignal)
	require.Empty(t, c1.received())
	require.Empty(t, c2.received())

	chain.setBalance(addr1, domain.Balance{Confirmed: 0, Unconfirmed: 100000})
	svc.ProcessSignal(ctx, pollSignal)

	expected := domain.NewBalanceNotification(
		addr1, domain.Balance{Confirmed: 0, Unconfirmed: 100000},
	)
	require.Equal(t, []domain.Notification{expected}, c1.received())
	require.Equal(t, []domain.Notification{expected}, c2.received())

	// No change, no duplicate notification.
	svc.ProcessSignal(ctx, pollSignal)
	require.Len(t, c1.received(), 1)
	require.Len(t, c2.received(), 1)

	chain.setBalance(addr1, domain.Balance{Confirmed: 100000, Unconfirmed: 0})
	chain.setBalance(addr2, domain.Balance{Confirmed: 5})
	svc.ProcessSignal(ctx, pollSignal)

	require.Equal(t, []domain.Notification{
		expected,
		domain.NewBalanceNotification(addr1, domain.Balance{Confirmed: 100000}),
	}, c1.received())
	require.Equal(t, []domain.Notification{
		expected,
		domain.NewBalanceNotification(addr1, domain.Balance{Confirmed: 100000}),
		domain.NewBalanceNotification(addr2, domain.Balance{Confirmed: 5}),
	}, c2.received())
}

func testSubscriptions(t *testing.T) {
	chain := newFakeChain(100)
	svc := newNotificationService(t, chain, nil)

	t.Run("unknown connection", func(t *testing.T) {
		require.False(t, svc.SubscribeToAddressBalance(ctx, "unknown", addr1))
		require.False(t, svc.SubscribeToNewBlocks("unknown"))
		require.False(t, svc.UnsubscribeFromAddressBalance("unknown", addr1))
		require.False(t, svc.UnsubscribeFromNewBlocks("unknown"))
		require.Empty(t, svc.BalanceSubscribers(addr1))
	})

	c1 := newMockNotifier("c1", 10)
	svc.RegisterConnection(c1)

	t.Run("idempotent", func(t *testing.T) {
		require.True(t, svc.SubscribeToAddressBalance(ctx, "c1", addr1))
		require.False(t, svc.SubscribeToAddressBalance(ctx, "c1", addr1))
		require.Equal(t, []string{"c1"}, svc.BalanceSubscribers(addr1))
		require.Equal(t, 1, chain.callCount("getaddressbalance"))

		require.True(t, svc.UnsubscribeFromAddressBalance("c1", addr1))
		require.False(t, svc.UnsubscribeFromAddressBalance("c1", addr1))
		require.Empty(t, svc.BalanceSubscribers(addr1))
		_, ok := svc.LastKnownBalance(addr1)
		require.False(t, ok)
	})

	t.Run("no stale baseline after resubscription", func(t *testing.T) {
		chain.setBalance(addr2, domain.Balance{Confirmed: 1})
		require.True(t, svc.SubscribeToAddressBalance(ctx, "c1", addr2))
		require.True(t, svc.UnsubscribeFromAddressBalance("c1", addr2))

		chain.setBalance(addr2, domain.Balance{Confirmed: 2})
		require.True(t, svc.SubscribeToAddressBalance(ctx, "c1", addr2))

		balance, ok := svc.LastKnownBalance(addr2)
		require.True(t, ok)
		require.Equal(t, domain.Balance{Confirmed: 2}, balance)

		svc.ProcessSignal(ctx, pollSignal)
		require.Empty(t, c1.received())
	})

	t.Run("concurrent subscriptions", func(t *testing.T) {
		wg := &sync.WaitGroup{}
		for i := 0; i < 20; i++ {
			id := fmt.Sprintf("conn-%02d", i)
			svc.RegisterConnection(newMockNotifier(id, 10))

			wg.Add(2)
			go func() {
				defer wg.Done()
				svc.SubscribeToAddressBalance(ctx, id, addr3)
			}()
			go func() {
				defer wg.Done()
				svc.ProcessSignal(ctx, pollSignal)
			}()
		}
		wg.Wait()

		require.Len(t, svc.BalanceSubscribers(addr3), 20)
		_, ok := svc.LastKnownBalance(addr3)
		require.True(t, ok)
	})
}

func testConnectionLifecycle(t *testing.T) {
	chain := newFakeChain(100)
	svc := startNotificationService(t, chain, nil)

	c1 := newMockNotifier("c1", 10)
	c2 := newMockNotifier("c2", 10)
	svc.RegisterConnection(c1)
	svc.RegisterConnection(c2)

	svc.SubscribeToAddressBalance(ctx, "c1", addr1)
	svc.SubscribeToAddressBalance(ctx, "c1", addr2)
	svc.SubscribeToAddressBalance(ctx, "c2", addr2)
	svc.SubscribeToNewBlocks("c1")
	svc.ProcessSignal(ctx, pollSignal)

	svc.OnConnectionClosed("c1")
	svc.OnConnectionClosed("c1")

	require.Empty(t, svc.BalanceSubscribers(addr1))
	require.Equal(t, []string{"c2"}, svc.BalanceSubscribers(addr2))
	_, ok := svc.LastKnownBalance(addr1)
	require.False(t, ok)

	chain.setHeight(101)
	chain.setBalance(addr1, domain.Balance{Confirmed: 1})
	chain.setBalance(addr2, domain.Balance{Confirmed: 2})
	svc.ProcessSignal(ctx, pollSignal)

	require.Empty(t, c1.received())
	require.Equal(t, []domain.Notification{
		domain.NewBalanceNotification(addr2, domain.Balance{Confirmed: 2}),
	}, c2.received())

	// A closed connection can't subscribe anymore.
	require.False(t, svc.SubscribeToNewBlocks("c1"))
}

func testSlowConsumer(t *testing.T) {
	chain := newFakeChain(100)
	svc := startNotificationService(t, chain, nil)

	slow := newMockNotifier("slow", 1)
	fast := newMockNotifier("fast", 10)
	svc.RegisterConnection(slow)
	svc.RegisterConnection(fast)

	for _, id := range []string{"slow", "fast"} {
		require.True(t, svc.SubscribeToNewBlocks(id))
		require.True(t, svc.SubscribeToAddressBalance(ctx, id, addr1))
	}
	svc.ProcessSignal(ctx, pollSignal)

	chain.setHeight(101)
	svc.ProcessSignal(ctx, pollSignal)
	require.Len(t, slow.received(), 1)
	require.False(t, slow.isClosed())

	// The queue of the slow consumer is full: it gets dropped without
	// affecting the other connections.
	chain.setHeight(102)
	chain.setBalance(addr1, domain.Balance{Confirmed: 7})
	svc.ProcessSignal(ctx, pollSignal)

	require.True(t, slow.isClosed())
	require.Len(t, slow.received(), 1)
	require.Equal(t, []string{"fast"}, svc.BalanceSubscribers(addr1))
	require.Equal(t, []domain.Notification{
		domain.NewBlockNotification(),
		domain.NewBlockNotification(),
		domain.NewBalanceNotification(addr1, domain.Balance{Confirmed: 7}),
	}, fast.received())
	require.False(t, fast.isClosed())
}

func testBackendFailures(t *testing.T) {
	chain := newFakeChain(100)
	svc := startNotificationService(t, chain, nil)

	c1 := newMockNotifier("c1", 10)
	svc.RegisterConnection(c1)
	svc.SubscribeToNewBlocks("c1")
	svc.SubscribeToAddressBalance(ctx, "c1", addr1)
	svc.ProcessSignal(ctx, pollSignal)

	unavailable := fmt.Errorf("%w: connection refused", ports.ErrBackendUnavailable)
	chain.setFailure("getblockcount", unavailable)
	chain.setFailure("getaddressbalance", unavailable)
	chain.setHeight(101)
	chain.setBalance(addr1, domain.Balance{Confirmed: 3})

	// Failed cycles keep the previous state and notify nothing.
	svc.ProcessSignal(ctx, pollSignal)
	require.Empty(t, c1.received())
	require.Equal(t, int64(100), svc.Tip().Height)
	balance, ok := svc.LastKnownBalance(addr1)
	require.True(t, ok)
	require.Equal(t, domain.Balance{}, balance)

	chain.setFailure("getblockcount", nil)
	chain.setFailure("getaddressbalance", nil)
	svc.ProcessSignal(ctx, pollSignal)
	require.Equal(t, []domain.Notification{
		domain.NewBlockNotification(),
		domain.NewBalanceNotification(addr1, domain.Balance{Confirmed: 3}),
	}, c1.received())

	t.Run("baseline fetch failure", func(t *testing.T) {
		calls := chain.callCount("getaddressbalance")
		chain.setFailure("getaddressbalance", unavailable)
		require.True(t, svc.SubscribeToAddressBalance(ctx, "c1", addr2))
		require.Equal(t, calls+3, chain.callCount("getaddressbalance"))
		_, ok := svc.LastKnownBalance(addr2)
		require.False(t, ok)

		// The balance may have changed since the subscription, the first one
		// computed is notified.
		chain.setFailure("getaddressbalance", nil)
		chain.setBalance(addr2, domain.Balance{Confirmed: 9})
		svc.ProcessSignal(ctx, pollSignal)
		received := c1.received()
		require.Len(t, received, 3)
		require.Equal(t, domain.NewBalanceNotification(
			addr2, domain.Balance{Confirmed: 9},
		), received[2])
		balance, ok := svc.LastKnownBalance(addr2)
		require.True(t, ok)
		require.Equal(t, domain.Balance{Confirmed: 9}, balance)

		svc.ProcessSignal(ctx, pollSignal)
		require.Len(t, c1.received(), 3)
	})

	t.Run("baseline fetched on retry", func(t *testing.T) {
		chain.setBalance(addr3, domain.Balance{Confirmed: 4})
		chain.setTransientFailure("getaddressbalance", unavailable, 1)
		require.True(t, svc.SubscribeToAddressBalance(ctx, "c1", addr3))

		balance, ok := svc.LastKnownBalance(addr3)
		require.True(t, ok)
		require.Equal(t, domain.Balance{Confirmed: 4}, balance)

		svc.ProcessSignal(ctx, pollSignal)
		require.Len(t, c1.received(), 3)
	})
}

func testEventSources(t *testing.T) {
	chain := newFakeChain(100)
	source := newMockEventSource()
	svc := newNotificationService(t, chain, nil, source)
	require.NoError(t, svc.Start())

	c1 := newMockNotifier("c1", 10)
	svc.RegisterConnection(c1)
	svc.SubscribeToNewBlocks("c1")

	require.Equal(t, int64(100), svc.Tip().Height)
	source.chSignals <- pollSignal

	chain.setHeight(101)
	tip := domain.BlockTip{Height: 101, Hash: blockHash(101)}
	source.chSignals <- ports.Signal{
		Type: ports.NewTipSignal, Source: "test", Tip: &tip,
	}

	require.Eventually(t, func() bool {
		return len(c1.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, tip, svc.Tip())

	svc.Stop()
}
