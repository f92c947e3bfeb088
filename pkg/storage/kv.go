// Package storage persists the SDK's referral, identity and dedup state.
//
// A KV is a durable key-value map with string sets. Store is the typed
// repository the orchestrator talks to; it never sees backend details.
package storage

import (
	"context"
	"errors"
)

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("storage: closed")

// OpKind enumerates the mutations a KV commit may contain.
type OpKind int

const (
	// OpPut sets a scalar value.
	OpPut OpKind = iota + 1
	// OpDelete removes a scalar value. Missing keys are ignored.
	OpDelete
	// OpAddMember adds a member to a set, creating the set if needed.
	OpAddMember
)

// Op is a single mutation inside an atomic commit.
type Op struct {
	Kind  OpKind
	Key   string
	Value string
}

// Put returns an op that sets key to value.
func Put(key, value string) Op { return Op{Kind: OpPut, Key: key, Value: value} }

// Delete returns an op that removes key.
func Delete(key string) Op { return Op{Kind: OpDelete, Key: key} }

// AddMember returns an op that adds member to the set stored at key.
func AddMember(key, member string) Op { return Op{Kind: OpAddMember, Key: key, Value: member} }

// KV is a durable key-value map with string sets.
//
// Apply must be atomic: either every op is visible afterwards or none is.
// Scalars and sets live in separate namespaces.
type KV interface {
	// Get returns the scalar stored at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// IsMember reports whether member belongs to the set stored at key.
	IsMember(ctx context.Context, key, member string) (bool, error)
	// Members returns every member of the set stored at key in no particular order.
	Members(ctx context.Context, key string) ([]string, error)
	// Apply commits ops atomically.
	Apply(ctx context.Context, ops ...Op) error
	// Close releases the backend.
	Close() error
}

func validate(ops []Op) error {
	for _, op := range ops {
		if op.Key == "" {
			return errors.New("storage: empty key")
		}
		switch op.Kind {
		case OpPut, OpDelete, OpAddMember:
		default:
			return errors.New("storage: unknown op kind")
		}
	}
	return nil
}
