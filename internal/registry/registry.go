// Package registry keeps the last reconciled set of discovered peers and
// turns each new discovery snapshot into availability changes.
//
// A Registry is not safe for concurrent use; the coordinator owns it and only
// touches it from its loop goroutine.
package registry

import (
	"sort"

	"bluetooth-peerlink/internal/peer"
)

// Change is one availability transition produced by Reconcile.
type Change struct {
	Peer  peer.Peer
	State peer.State
}

// Registry diffs discovery snapshots against the previously seen set.
type Registry struct {
	previous map[string]peer.Peer
	// stale peers are reported again on the next reconcile regardless of
	// whether they stayed visible. A stale peer stays in previous, so Lookup
	// still resolves it until a snapshot drops it.
	stale map[string]peer.Peer
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		previous: make(map[string]peer.Peer),
		stale:    make(map[string]peer.Peer),
	}
}

// Reconcile replaces the tracked set with snapshot and returns the changes:
// Available for each newly seen or stale peer in snapshot order, then
// Unavailable for each peer that vanished, ordered by key.
func (r *Registry) Reconcile(snapshot []peer.Peer) []Change {
	next := make(map[string]peer.Peer, len(snapshot))
	order := make([]string, 0, len(snapshot))
	for _, p := range snapshot {
		k := p.Key()
		if k == "" {
			continue
		}
		if _, dup := next[k]; !dup {
			order = append(order, k)
		}
		p.Available = true
		next[k] = p
	}

	var changes []Change
	for _, k := range order {
		_, seen := r.previous[k]
		_, stale := r.stale[k]
		if !seen || stale {
			changes = append(changes, Change{Peer: next[k], State: peer.Available})
		}
	}

	var gone []string
	for k := range r.previous {
		if _, ok := next[k]; !ok {
			gone = append(gone, k)
		}
	}
	for k := range r.stale {
		if _, ok := next[k]; ok {
			continue
		}
		if _, dup := r.previous[k]; !dup {
			gone = append(gone, k)
		}
	}
	sort.Strings(gone)
	for _, k := range gone {
		p, ok := r.previous[k]
		if !ok {
			p = r.stale[k]
		}
		p.Available = false
		changes = append(changes, Change{Peer: p, State: peer.Unavailable})
	}

	r.previous = next
	r.stale = make(map[string]peer.Peer)
	return changes
}

// Forget marks p stale so that the next Reconcile reports it from scratch:
// Available if it is in that snapshot, Unavailable otherwise. p keeps
// resolving through Lookup until then.
func (r *Registry) Forget(p peer.Peer) {
	k := p.Key()
	if k == "" {
		return
	}
	if known, ok := r.previous[k]; ok {
		p = known
	}
	r.stale[k] = p
}

// Reset discards every tracked and stale peer.
func (r *Registry) Reset() {
	r.previous = make(map[string]peer.Peer)
	r.stale = make(map[string]peer.Peer)
}

// Lookup resolves id against the last snapshot.
func (r *Registry) Lookup(id string) (peer.Peer, bool) {
	for _, p := range r.previous {
		if p.ID == id {
			return p, true
		}
	}
	return peer.Peer{}, false
}

// Peers returns the tracked set ordered by key.
func (r *Registry) Peers() []peer.Peer {
	keys := make([]string, 0, len(r.previous))
	for k := range r.previous {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]peer.Peer, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.previous[k])
	}
	return out
}

// Len returns the number of tracked peers.
func (r *Registry) Len() int { return len(r.previous) }
