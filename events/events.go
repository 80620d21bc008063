// Package events is a small typed publish/subscribe bus connecting document
// sessions, configuration and plugins to whatever front end observes them.
package events

import (
	"reflect"
	"sync"
)

// Event is any value published on a Bus. Subscribers select events by their
// concrete type.
type Event interface{}

// DocumentOpened is published after an archive is opened.
type DocumentOpened struct{ Path string }

// DocumentSaved is published after an archive is written.
type DocumentSaved struct{ Path string }

// DocumentSigned is published after a signature is stored and saved.
type DocumentSigned struct {
	Path    string
	Subject string
}

// SignatureRemoved is published after an unsign has been saved.
type SignatureRemoved struct{ Path string }

// DocumentVerified carries the outcome of an on-demand verification.
type DocumentVerified struct {
	Path   string
	Status string
	Reason error
}

// ConfigSaved is published after a configuration file is written.
type ConfigSaved struct{ Path string }

// PluginCompleted is the completion message of a plugin run.
type PluginCompleted struct {
	Plugin  string
	Message string
	Err     error
}

type subscription struct {
	id int
	fn func(Event)
}

// Bus delivers events synchronously, in subscription order. The zero value
// is ready to use and a nil *Bus discards everything.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[reflect.Type][]subscription
}

// NewBus returns an empty Bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers fn for events of type E and returns a function that
// removes the subscription.
func Subscribe[E Event](b *Bus, fn func(E)) (cancel func()) {
	if b == nil {
		return func() {}
	}
	t := reflect.TypeOf((*E)(nil)).Elem()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[reflect.Type][]subscription)
	}
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, fn: func(e Event) { fn(e.(E)) }})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[t]
		for i, s := range list {
			if s.id == id {
				b.subs[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers e to every subscriber of its concrete type.
func (b *Bus) Publish(e Event) {
	if b == nil || e == nil {
		return
	}
	b.mu.RLock()
	list := append([]subscription(nil), b.subs[reflect.TypeOf(e)]...)
	b.mu.RUnlock()
	for _, s := range list {
		s.fn(e)
	}
}
