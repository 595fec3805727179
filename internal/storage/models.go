package storage

import (
	"context"
	"errors"
	"fmt"
)

// Collection names one independently persisted JSON array.
type Collection string

const (
	CollectionLocks          Collection = "locks"
	CollectionMintRequests   Collection = "mint_requests"
	CollectionCompletedMints Collection = "completed_mints"
	CollectionRejectedLocks  Collection = "rejected_locks"
	CollectionAuditEvents    Collection = "audit_events"
)

// Collections lists every persisted collection in load order.
var Collections = []Collection{
	CollectionLocks,
	CollectionMintRequests,
	CollectionCompletedMints,
	CollectionRejectedLocks,
	CollectionAuditEvents,
}

// DefaultNamespace prefixes every key when no namespace is configured.
const DefaultNamespace = "mintsync"

// ErrPersistence marks every failure raised by a backend.
var ErrPersistence = errors.New("storage: persistence failure")

// Port is the persistence boundary of the state store. Load returns nil data without error
// when the collection was never saved.
type Port interface {
	Load(ctx context.Context, c Collection) ([]byte, error)
	Save(ctx context.Context, c Collection, data []byte) error
	Clear(ctx context.Context, cs ...Collection) error
	Close() error
}

// Key returns the namespaced key for a collection.
func Key(namespace string, c Collection) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + ":" + string(c)
}

// Error wraps a backend failure with the operation and key it concerned.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrPersistence.
func (e *Error) Is(target error) bool { return target == ErrPersistence }

func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Key: key, Err: err}
}

func clearTargets(cs []Collection) []Collection {
	if len(cs) == 0 {
		return Collections
	}
	return cs
}
