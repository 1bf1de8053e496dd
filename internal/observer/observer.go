// Package observer delivers batch notifications about uploaded artifacts.
package observer

import (
	"reflect"
	"sync"

	"github.com/rowjay/backup-sidecar/internal/artifact"
)

// Observer receives the remote keys produced by one batch of work.
type Observer interface {
	Update(kind artifact.FileType, keys []string)
}

// Func adapts a function to Observer.
type Func func(kind artifact.FileType, keys []string)

func (f Func) Update(kind artifact.FileType, keys []string) { f(kind, keys) }

// Registry holds the observers of one job. The zero value is ready to use.
type Registry struct {
	mu        sync.Mutex
	nextID    int
	observers []entry
}

type entry struct {
	id  int
	obs Observer
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers o and returns a function that removes it again. Nil
// observers, including typed nils, are ignored.
func (r *Registry) Add(o Observer) func() {
	if isNil(o) {
		return func() {}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.observers = append(r.observers, entry{id: id, obs: o})

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func isNil(o Observer) bool {
	if o == nil {
		return true
	}
	switch v := reflect.ValueOf(o); v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func (r *Registry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.observers {
		if e.id == id {
			r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered observers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

// Notify calls every observer synchronously in registration order. Each one
// gets its own copy of keys. Observers registered during delivery are not
// called for this batch.
func (r *Registry) Notify(kind artifact.FileType, keys []string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	snapshot := make([]Observer, 0, len(r.observers))
	for _, e := range r.observers {
		snapshot = append(snapshot, e.obs)
	}
	r.mu.Unlock()

	for _, o := range snapshot {
		o.Update(kind, append([]string(nil), keys...))
	}
}
