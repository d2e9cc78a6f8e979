package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Node operations
	SaveNode(node *Node) error
	GetNode(mac string) (*Node, error)
	DeleteNode(mac string) error
	ListNodes() ([]*Node, error)

	// UpdateNode atomically reads, modifies, and saves a node in a single
	// transaction. Returns ErrNotFound if the node does not exist.
	UpdateNode(mac string, fn func(node *Node) error) error

	// Stick state
	SaveStickInfo(info *StickInfo) error
	GetStickInfo() (*StickInfo, error)

	// Close the store
	Close() error
}
