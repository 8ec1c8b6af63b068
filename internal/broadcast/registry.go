package broadcast

import (
	"sort"
	"sync"

	"github.com/pingsantohq/cellguard/pkg/types"
)

// Callback receives radio state changes. Implementations must hand the
// event off (for example into an inbox) and return without doing work
// inline: every subscriber is invoked synchronously on the producer's
// goroutine.
type Callback interface {
	OnDataStall(radio types.RadioID, payload map[string]string)
	OnDataSetupError(radio types.RadioID, payload map[string]string)
	OnServiceStateChanged(radio types.RadioID, state types.ServiceState)
}

// Subscription identifies one registration.
type Subscription uint64

// Registry fans radio state changes out to every registered Callback.
// Payload maps are shared across subscribers and must not be mutated.
type Registry struct {
	mu   sync.Mutex
	next Subscription
	subs map[Subscription]Callback
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[Subscription]Callback)}
}

// Register adds cb and returns the handle that removes it again.
func (r *Registry) Register(cb Callback) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.subs[r.next] = cb
	return r.next
}

// Deregister removes a subscription. It reports whether the handle was
// registered. Safe to call from inside a callback.
func (r *Registry) Deregister(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub]; !ok {
		return false
	}
	delete(r.subs, sub)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry) NotifyDataStall(radio types.RadioID, payload map[string]string) {
	for _, cb := range r.snapshot() {
		cb.OnDataStall(radio, payload)
	}
}

func (r *Registry) NotifySetupError(radio types.RadioID, payload map[string]string) {
	for _, cb := range r.snapshot() {
		cb.OnDataSetupError(radio, payload)
	}
}

func (r *Registry) NotifyServiceStateChanged(radio types.RadioID, state types.ServiceState) {
	for _, cb := range r.snapshot() {
		cb.OnServiceStateChanged(radio, state)
	}
}

// snapshot copies the subscriber set under the lock so callbacks run
// unlocked and may register or deregister without deadlocking.
func (r *Registry) snapshot() []Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) == 0 {
		return nil
	}
	ids := make([]Subscription, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cbs := make([]Callback, len(ids))
	for i, id := range ids {
		cbs[i] = r.subs[id]
	}
	return cbs
}

// SetupErrorPayload builds the payload for NotifySetupError from the APN
// context of a failed bearer setup.
func SetupErrorPayload(apnName, apnType, reason, cause string) map[string]string {
	if apnName == "" {
		apnName = "unknown"
	}
	return map[string]string{
		types.MetaAPNName:    apnName,
		types.MetaAPNType:    apnType,
		types.MetaReasonCode: reason,
		types.MetaErrorCode:  cause,
	}
}
