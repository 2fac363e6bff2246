// Package hostlock serializes operations which change the shared state of a
// host: directory creation and deletion and the transfers through the pooled
// file channels.
package hostlock

import "sync"

// Locks is a lazily populated set of per host mutexes. The zero value is
// ready to use and it must not be copied.
type Locks struct {
	m sync.Map // host -> *sync.Mutex
}

func New() *Locks {
	return &Locks{}
}

// For returns the mutex of a host, creating it on the first use.
func (l *Locks) For(host string) *sync.Mutex {
	if mx, ok := l.m.Load(host); ok {
		return mx.(*sync.Mutex)
	}
	mx, _ := l.m.LoadOrStore(host, new(sync.Mutex))
	return mx.(*sync.Mutex)
}

// Do runs fn while holding the lock of a host.
func (l *Locks) Do(host string, fn func() error) error {
	mx := l.For(host)
	mx.Lock()
	defer mx.Unlock()
	return fn()
}
