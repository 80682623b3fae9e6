// Package monitor owns the table of live instance handles. Entries are
// added and removed by the orchestrator only; reads are lock-free and may
// observe a state mid-transition, so lifecycle operations re-validate
// inside the instance lock before committing.
package monitor

import (
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/channel"
)

// LiveInstance binds one registered instance to its session handle.
type LiveInstance struct {
	ID          string
	Name        string
	Integration string
	Token       string
	Adapter     channel.Adapter
}

// State returns the adapter's current connection state, or uninitialized
// when no handle has been constructed yet.
func (li *LiveInstance) State() channel.State {
	if li == nil || li.Adapter == nil {
		return channel.StateUninitialized
	}
	return li.Adapter.State()
}

type Registry struct {
	instances cmap.ConcurrentMap[string, *LiveInstance]
}

func NewRegistry() *Registry {
	return &Registry{instances: cmap.New[*LiveInstance]()}
}

func (r *Registry) Set(li *LiveInstance) {
	r.instances.Set(li.Name, li)
}

// Get returns the live handle for name. A false result is a not-found
// condition, distinct from an instance whose state is close.
func (r *Registry) Get(name string) (*LiveInstance, bool) {
	return r.instances.Get(name)
}

func (r *Registry) Delete(name string) {
	r.instances.Remove(name)
}

func (r *Registry) Names() []string {
	return r.instances.Keys()
}

func (r *Registry) Len() int {
	return r.instances.Count()
}
