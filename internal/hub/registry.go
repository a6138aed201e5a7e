package hub

import (
	"errors"
	"sync"
)

// ErrClosed is returned when joining a closed registry or sending to a
// closed subscriber.
var ErrClosed = errors.New("hub: closed")

// Sender accepts encoded messages for one subscriber. Send must not block.
type Sender interface {
	Send(data []byte) error
}

// Member is a registered subscriber of a topic.
type Member struct {
	ID     string
	Sender Sender
}

type topic struct {
	// pub orders deliveries; mu guards members. Keeping them apart lets
	// connections join while a publish is in flight.
	pub     sync.Mutex
	mu      sync.Mutex
	members map[string]Sender
	order   []string
}

// Registry tracks subscribers per topic. Membership changes on one topic
// never wait on another topic.
type Registry struct {
	mu     sync.Mutex
	topics map[string]*topic
	conns  map[string]map[string]struct{}
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		topics: make(map[string]*topic),
		conns:  make(map[string]map[string]struct{}),
	}
}

func (r *Registry) topic(name string, create bool) *topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[name]
	if !ok && create && !r.closed {
		t = &topic{members: make(map[string]Sender)}
		r.topics[name] = t
	}
	return t
}

// Join registers s under name for connection id. Joining twice with the
// same id keeps the first registration.
func (r *Registry) Join(name, id string, s Sender) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	set, ok := r.conns[id]
	if !ok {
		set = make(map[string]struct{})
		r.conns[id] = set
	}
	set[name] = struct{}{}
	r.mu.Unlock()

	t := r.topic(name, true)
	if t == nil {
		return ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.members[id]; ok {
		return nil
	}
	t.members[id] = s
	t.order = append(t.order, id)
	return nil
}

// Leave removes connection id from name. Unknown ids are ignored.
func (r *Registry) Leave(name, id string) {
	r.mu.Lock()
	if set, ok := r.conns[id]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()

	if t := r.topic(name, false); t != nil {
		t.remove(id)
	}
}

// LeaveAll removes connection id from every topic it joined.
func (r *Registry) LeaveAll(id string) {
	r.mu.Lock()
	set := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	for name := range set {
		if t := r.topic(name, false); t != nil {
			t.remove(id)
		}
	}
}

func (t *topic) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.members[id]; !ok {
		return
	}
	delete(t.members, id)
	for i, m := range t.order {
		if m == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Members returns a copy of the subscribers of name in join order.
func (r *Registry) Members(name string) []Member {
	t := r.topic(name, false)
	if t == nil {
		return nil
	}
	return t.snapshot()
}

func (t *topic) snapshot() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Member, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, Member{ID: id, Sender: t.members[id]})
	}
	return out
}

// Count returns the number of subscribers of name.
func (r *Registry) Count(name string) int {
	t := r.topic(name, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

// Close drops every subscription. Later joins fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	topics := r.topics
	r.topics = make(map[string]*topic)
	r.conns = make(map[string]map[string]struct{})
	r.closed = true
	r.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		t.members = make(map[string]Sender)
		t.order = nil
		t.mu.Unlock()
	}
}
