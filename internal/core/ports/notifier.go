package ports

import "github.com/vulpemventures/connector/internal/core/domain"

// Notifier represents a live client connection able to receive notifications.
type Notifier interface {
	// ID returns the unique identifier of the connection.
	ID() string
	// Notify enqueues the notification without blocking. It returns false if
	// the outgoing queue of the connection is full or closed.
	Notify(notification domain.Notification) bool
	// Close closes the underlying connection.
	Close()
}
