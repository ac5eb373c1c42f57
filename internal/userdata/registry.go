package userdata

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"userstream/logger"
)

// Handler receives decoded events. A returned error or a panic is logged
// by the dispatcher and never stops delivery to other handlers.
type Handler func(ctx context.Context, ev Event) error

// SubscriptionID identifies one registration for exact removal.
type SubscriptionID string

// Subscription is a registered handler as seen in a Snapshot.
type Subscription struct {
	ID      SubscriptionID
	Handler Handler
}

// tables is every piece of registry state. It is only touched with
// Registry.mu held, so a rotation moves all of it in one critical section.
type tables struct {
	// lists is indexed by Category; each map is keyed by stream id.
	lists    [numCategories]map[string][]Subscription
	bindings map[string]Identity
	owners   map[Identity]string
}

func newTables() tables {
	t := tables{
		bindings: make(map[string]Identity),
		owners:   make(map[Identity]string),
	}
	for i := range t.lists {
		t.lists[i] = make(map[string][]Subscription)
	}
	return t
}

func (t *tables) hasSubscriptions(streamID string) bool {
	for i := range t.lists {
		if len(t.lists[i][streamID]) > 0 {
			return true
		}
	}
	return false
}

func (t *tables) unbind(streamID string) {
	identity, ok := t.bindings[streamID]
	if !ok {
		return
	}
	delete(t.bindings, streamID)
	if t.owners[identity] == streamID {
		delete(t.owners, identity)
	}
}

// Registry tracks which handlers are interested in which stream and
// category, and which identity each stream belongs to.
type Registry struct {
	mu  sync.Mutex
	t   tables
	log *logger.Log
}

// NewRegistry returns an empty registry. A nil log uses the global logger.
func NewRegistry(log *logger.Log) *Registry {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Registry{t: newTables(), log: log}
}

// Subscribe registers handler for events of category on streamID. The
// first registration for a stream binds it to identity. An identity may
// only be bound to one stream at a time.
func (r *Registry) Subscribe(streamID string, identity Identity, category Category, handler Handler) (SubscriptionID, error) {
	switch {
	case streamID == "":
		return "", fmt.Errorf("%w: empty stream id", ErrInvalidArgument)
	case identity == "":
		return "", fmt.Errorf("%w: identity is not set", ErrInvalidArgument)
	case handler == nil:
		return "", fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	case !category.valid():
		return "", fmt.Errorf("%w: category %d", ErrInvalidArgument, category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if bound, ok := r.t.bindings[streamID]; ok && bound != identity {
		return "", fmt.Errorf("%w: stream %s belongs to another identity", ErrConflict, streamID)
	}
	if other, ok := r.t.owners[identity]; ok && other != streamID {
		return "", fmt.Errorf("%w: identity already bound to stream %s", ErrConflict, other)
	}

	id := SubscriptionID(uuid.NewString())
	r.t.lists[category][streamID] = append(r.t.lists[category][streamID], Subscription{ID: id, Handler: handler})
	if _, ok := r.t.bindings[streamID]; !ok {
		r.t.bindings[streamID] = identity
		r.t.owners[identity] = streamID
	}

	r.log.WithComponent("userdata_registry").WithFields(logger.Fields{
		"category":        category.String(),
		"subscription_id": id,
	}).Debug("subscribed")
	return id, nil
}

// Unsubscribe removes one registration. Unknown ids are ignored.
func (r *Registry) Unsubscribe(streamID string, category Category, id SubscriptionID) error {
	if streamID == "" {
		return fmt.Errorf("%w: empty stream id", ErrInvalidArgument)
	}
	if !category.valid() {
		return fmt.Errorf("%w: category %d", ErrInvalidArgument, category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.t.lists[category][streamID]
	for i, s := range subs {
		if s.ID != id {
			continue
		}
		rest := make([]Subscription, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		r.setList(category, streamID, rest)
		break
	}
	r.pruneBinding(streamID)
	return nil
}

// UnsubscribeCategory removes every registration of category on streamID.
func (r *Registry) UnsubscribeCategory(streamID string, category Category) error {
	if streamID == "" {
		return fmt.Errorf("%w: empty stream id", ErrInvalidArgument)
	}
	if !category.valid() {
		return fmt.Errorf("%w: category %d", ErrInvalidArgument, category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.t.lists[category], streamID)
	r.pruneBinding(streamID)
	return nil
}

// UnsubscribeStream removes every registration on streamID and its binding.
func (r *Registry) UnsubscribeStream(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("%w: empty stream id", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.t.lists {
		delete(r.t.lists[i], streamID)
	}
	r.t.unbind(streamID)
	return nil
}

// Clear removes every registration and binding.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.t = newTables()
	r.mu.Unlock()
}

// Rotate moves the binding and every registration from oldID to newID,
// replacing anything stored under newID. It reports whether anything moved.
func (r *Registry) Rotate(oldID, newID string) bool {
	if oldID == "" || newID == "" || oldID == newID {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.t.bindings[oldID]
	if !ok {
		return false
	}

	r.t.unbind(newID)
	for i := range r.t.lists {
		subs, ok := r.t.lists[i][oldID]
		delete(r.t.lists[i], oldID)
		if ok {
			r.t.lists[i][newID] = subs
		} else {
			delete(r.t.lists[i], newID)
		}
	}
	delete(r.t.bindings, oldID)
	r.t.bindings[newID] = identity
	r.t.owners[identity] = newID
	return true
}

// Snapshot is a copy of the registry state for one stream.
type Snapshot struct {
	StreamID string
	Identity Identity
	Bound    bool
	lists    [numCategories][]Subscription
}

// Subscriptions returns the handlers registered for category, in
// registration order.
func (s Snapshot) Subscriptions(category Category) []Subscription {
	if !category.valid() {
		return nil
	}
	return s.lists[category]
}

// Resolve returns the binding and a copy of every subscriber list for
// streamID, read under one lock.
func (r *Registry) Resolve(streamID string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{StreamID: streamID}
	snap.Identity, snap.Bound = r.t.bindings[streamID]
	if !snap.Bound {
		return snap
	}
	for i := range r.t.lists {
		if subs := r.t.lists[i][streamID]; len(subs) > 0 {
			snap.lists[i] = append([]Subscription(nil), subs...)
		}
	}
	return snap
}

// Identity returns the identity bound to streamID.
func (r *Registry) Identity(streamID string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.t.bindings[streamID]
	return identity, ok
}

// StreamFor returns the stream id currently bound to identity.
func (r *Registry) StreamFor(identity Identity) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	streamID, ok := r.t.owners[identity]
	return streamID, ok
}

// Streams returns every bound stream id, sorted.
func (r *Registry) Streams() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.t.bindings))
	for streamID := range r.t.bindings {
		out = append(out, streamID)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Count returns the number of registrations on streamID across categories.
func (r *Registry) Count(streamID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.t.lists {
		n += len(r.t.lists[i][streamID])
	}
	return n
}

func (r *Registry) setList(category Category, streamID string, subs []Subscription) {
	if len(subs) == 0 {
		delete(r.t.lists[category], streamID)
		return
	}
	r.t.lists[category][streamID] = subs
}

// pruneBinding drops the binding once no registration remains. Callers
// hold r.mu.
func (r *Registry) pruneBinding(streamID string) {
	if !r.t.hasSubscriptions(streamID) {
		r.t.unbind(streamID)
	}
}
