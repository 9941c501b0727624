package application

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/vulpemventures/connector/internal/core/domain"
)

// SubscriptionRegistry indexes the interest of connections in topics and
// holds the last known balance of every watched address.
// It is not safe for concurrent use, the owner must serialize access.
type SubscriptionRegistry struct {
	// address -> connection ids
	balanceSubscribers map[string]mapset.Set[string]
	blockSubscribers   mapset.Set[string]
	// connection id -> addresses
	watchedByConnection map[string]mapset.Set[string]
	lastKnownBalances   map[string]domain.Balance
	// watched addresses whose baseline balance couldn't be fetched
	unprimed mapset.Set[string]
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		balanceSubscribers:  make(map[string]mapset.Set[string]),
		blockSubscribers:    mapset.NewThreadUnsafeSet[string](),
		watchedByConnection: make(map[string]mapset.Set[string]),
		lastKnownBalances:   make(map[string]domain.Balance),
		unprimed:            mapset.NewThreadUnsafeSet[string](),
	}
}

// Subscribe adds the subscription and returns whether it was not already
// there.
func (r *SubscriptionRegistry) Subscribe(sub domain.Subscription) bool {
	switch sub.Topic {
	case domain.TopicNewBlock:
		return r.blockSubscribers.Add(sub.ConnectionID)
	case domain.TopicBalance:
		if len(sub.Address) <= 0 {
			return false
		}
		subscribers, ok := r.balanceSubscribers[sub.Address]
		if !ok {
			subscribers = mapset.NewThreadUnsafeSet[string]()
			r.balanceSubscribers[sub.Address] = subscribers
		}
		if !subscribers.Add(sub.ConnectionID) {
			return false
		}
		addresses, ok := r.watchedByConnection[sub.ConnectionID]
		if !ok {
			addresses = mapset.NewThreadUnsafeSet[string]()
			r.watchedByConnection[sub.ConnectionID] = addresses
		}
		addresses.Add(sub.Address)
		return true
	default:
		return false
	}
}

// Unsubscribe removes the subscription and returns whether it was there.
// The last known balance of an address is evicted together with its last
// subscriber.
func (r *SubscriptionRegistry) Unsubscribe(sub domain.Subscription) bool {
	switch sub.Topic {
	case domain.TopicNewBlock:
		if !r.blockSubscribers.Contains(sub.ConnectionID) {
			return false
		}
		r.blockSubscribers.Remove(sub.ConnectionID)
		return true
	case domain.TopicBalance:
		return r.removeBalanceSubscription(sub.ConnectionID, sub.Address)
	default:
		return false
	}
}

// RemoveConnection removes every subscription of the given connection and
// returns how many were removed.
func (r *SubscriptionRegistry) RemoveConnection(connectionID string) int {
	count := 0
	if r.blockSubscribers.Contains(connectionID) {
		r.blockSubscribers.Remove(connectionID)
		count++
	}
	addresses, ok := r.watchedByConnection[connectionID]
	if !ok {
		return count
	}
	for _, address := range addresses.ToSlice() {
		if r.removeBalanceSubscription(connectionID, address) {
			count++
		}
	}
	return count
}

func (r *SubscriptionRegistry) IsSubscribed(sub domain.Subscription) bool {
	switch sub.Topic {
	case domain.TopicNewBlock:
		return r.blockSubscribers.Contains(sub.ConnectionID)
	case domain.TopicBalance:
		subscribers, ok := r.balanceSubscribers[sub.Address]
		return ok && subscribers.Contains(sub.ConnectionID)
	default:
		return false
	}
}

// BalanceSubscribers returns the sorted ids of the connections subscribed to
// the balance of the given address.
func (r *SubscriptionRegistry) BalanceSubscribers(address string) []string {
	subscribers, ok := r.balanceSubscribers[address]
	if !ok {
		return nil
	}
	return sorted(subscribers)
}

// BlockSubscribers returns the sorted ids of the connections subscribed to
// new blocks.
func (r *SubscriptionRegistry) BlockSubscribers() []string {
	return sorted(r.blockSubscribers)
}

// WatchedAddresses returns the sorted list of addresses with at least one
// subscriber.
func (r *SubscriptionRegistry) WatchedAddresses() []string {
	addresses := make([]string, 0, len(r.balanceSubscribers))
	for address := range r.balanceSubscribers {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

func (r *SubscriptionRegistry) IsWatched(address string) bool {
	_, ok := r.balanceSubscribers[address]
	return ok
}

func (r *SubscriptionRegistry) LastKnownBalance(
	address string,
) (domain.Balance, bool) {
	balance, ok := r.lastKnownBalances[address]
	return balance, ok
}

// SetLastKnownBalance stores the balance only if the address is watched,
// and returns whether it was stored.
func (r *SubscriptionRegistry) SetLastKnownBalance(
	address string, balance domain.Balance,
) bool {
	if !r.IsWatched(address) {
		return false
	}
	r.lastKnownBalances[address] = balance
	r.unprimed.Remove(address)
	return true
}

// MarkUnprimed flags a watched address without last known balance, and
// returns whether it was flagged.
func (r *SubscriptionRegistry) MarkUnprimed(address string) bool {
	if !r.IsWatched(address) {
		return false
	}
	if _, ok := r.lastKnownBalances[address]; ok {
		return false
	}
	r.unprimed.Add(address)
	return true
}

func (r *SubscriptionRegistry) IsUnprimed(address string) bool {
	return r.unprimed.Contains(address)
}

func (r *SubscriptionRegistry) removeBalanceSubscription(
	connectionID, address string,
) bool {
	subscribers, ok := r.balanceSubscribers[address]
	if !ok || !subscribers.Contains(connectionID) {
		return false
	}

	subscribers.Remove(connectionID)
	if subscribers.Cardinality() <= 0 {
		delete(r.balanceSubscribers, address)
		delete(r.lastKnownBalances, address)
		r.unprimed.Remove(address)
	}

	if addresses, ok := r.watchedByConnection[connectionID]; ok {
		addresses.Remove(address)
		if addresses.Cardinality() <= 0 {
			delete(r.watchedByConnection, connectionID)
		}
	}
	return true
}

func sorted(set mapset.Set[string]) []string {
	list := set.ToSlice()
	sort.Strings(list)
	return list
}
