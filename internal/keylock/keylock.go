// Package keylock serializes work on a single key, owner or payment.
//
// Locks are process-local. They are not reentrant: a goroutine that holds
// key:7 must not ask for key:7 again.
package keylock

import (
	"strconv"

	"github.com/im7mortal/kmutex"
)

const (
	Payment = "payment"
	Key     = "key"
	Owner   = "owner"
)

type Locker struct {
	km *kmutex.Kmutex
}

func New() *Locker {
	return &Locker{km: kmutex.New()}
}

// Lock blocks until kind:id is free and returns the matching unlock.
func (l *Locker) Lock(kind string, id any) func() {
	name := Name(kind, id)
	l.km.Lock(name)
	return func() { l.km.Unlock(name) }
}

// Name is the lock key for kind and id.
func Name(kind string, id any) string {
	switch v := id.(type) {
	case int64:
		return kind + ":" + strconv.FormatInt(v, 10)
	case int:
		return kind + ":" + strconv.Itoa(v)
	case string:
		return kind + ":" + v
	default:
		return kind + ":?"
	}
}
