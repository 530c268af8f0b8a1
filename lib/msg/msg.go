// Package msg defines the interface for different message brokers.
package msg

import (
	"sync"

	"github.com/fanengagement/chainadp/lib/msg/types"
)

// Exchanges used by the system.
const (
	ExchangeEvents = "ge" // governance events published by the core platform
	ExchangeAlerts = "ra" // reconciliation alerts published by the syncer
)

// MsgBroker defines the methods of a message broker.
type MsgBroker interface { //nolint:revive // name kept across services
	Setup() error
	Close() error

	// methods for the core platform (and tests) publishing governance events
	SendEvent(e types.DomainEvent) error
	// methods for the syncer service
	GetEvents(service string, mut *sync.Mutex) (<-chan types.DomainEvent, <-chan error, error)
	SendAlert(a types.Alert) error
}
