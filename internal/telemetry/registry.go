package telemetry

import (
	"sync"
	"time"
)

// ViewerInfo is a point-in-time description of one registered viewer.
type ViewerInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Dropped     int64     `json:"dropped"`
}

type viewerEntry struct {
	info ViewerInfo
	sub  *Subscription
}

// Registry owns the set of viewer connections. Its lifecycle is independent
// of the robot link: viewers stay registered while the robot is away.
type Registry struct {
	router *Router

	mu      sync.Mutex
	viewers map[string]*viewerEntry
}

func NewRegistry(router *Router) *Registry {
	return &Registry{
		router:  router,
		viewers: make(map[string]*viewerEntry),
	}
}

// Register subscribes a new viewer to the telemetry stream and tracks it.
func (r *Registry) Register(remote string) *Subscription {
	sub := r.router.Subscribe()
	now := time.Now()

	r.mu.Lock()
	r.viewers[sub.ID()] = &viewerEntry{
		info: ViewerInfo{
			ID:          sub.ID(),
			Remote:      remote,
			ConnectedAt: now,
			LastSeen:    now,
		},
		sub: sub,
	}
	r.mu.Unlock()
	return sub
}

// Touch refreshes a viewer's liveness timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if v, ok := r.viewers[id]; ok {
		v.info.LastSeen = time.Now()
	}
	r.mu.Unlock()
}

// Unregister removes the viewer and tears down its subscription.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	v, ok := r.viewers[id]
	delete(r.viewers, id)
	r.mu.Unlock()

	if ok {
		r.router.Unsubscribe(v.sub)
	}
}

// Count returns the number of registered viewers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// List returns a snapshot of all registered viewers.
func (r *Registry) List() []ViewerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ViewerInfo, 0, len(r.viewers))
	for _, v := range r.viewers {
		info := v.info
		info.Dropped = v.sub.Dropped()
		out = append(out, info)
	}
	return out
}
