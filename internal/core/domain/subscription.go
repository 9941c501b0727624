package domain

import "fmt"

const (
	TopicBalance  Topic = "balance"
	TopicNewBlock Topic = "newBlock"

	EventNewBlock       EventType = "newBlock"
	EventBalanceChanged EventType = "balanceChanged"
)

// Topic is the category of events a connection can subscribe to.
type Topic string

// EventType tags every notification pushed to subscribers.
type EventType string

// Subscription binds a connection to a topic. Address is set only for the
// balance topic.
type Subscription struct {
	ConnectionID string
	Topic        Topic
	Address      string
}

func (s Subscription) String() string {
	if s.Topic == TopicBalance {
		return fmt.Sprintf("%s/%s/%s", s.ConnectionID, s.Topic, s.Address)
	}
	return fmt.Sprintf("%s/%s", s.ConnectionID, s.Topic)
}

// Notification is the payload pushed to a subscribed connection.
type Notification struct {
	Event   EventType `json:"event"`
	Address string    `json:"address,omitempty"`
	Balance *Balance  `json:"balance,omitempty"`
}

func NewBlockNotification() Notification {
	return Notification{Event: EventNewBlock}
}

func NewBalanceNotification(address string, balance Balance) Notification {
	return Notification{
		Event:   EventBalanceChanged,
		Address: address,
		Balance: &balance,
	}
}
