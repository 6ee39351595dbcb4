package main

import (
	"sort"
	"sync"
)

// LinkGraph is the authoritative bidirectional connectivity state
// across all statues. Both directions of a pair are written inside one
// critical section, so a reader can never observe A linked to B while
// B is not linked to A. Writers are the detection loops; readers only
// take snapshots.
type LinkGraph struct {
	mu    sync.RWMutex
	links map[string]map[string]bool
}

// LinkSnapshot is a consistent point-in-time copy of the graph.
type LinkSnapshot struct {
	Links   map[string][]string `json:"links"`
	HasLink map[string]bool     `json:"has_link"`
}

// NewLinkGraph creates an empty graph over the given statues.
func NewLinkGraph(names []string) *LinkGraph {
	g := &LinkGraph{links: make(map[string]map[string]bool, len(names))}
	for _, name := range names {
		g.links[name] = make(map[string]bool)
	}
	return g
}

// UpdateLink records that detector observes (or no longer observes)
// peer's tone, writing both directions of the pair. It returns whether
// either statue's has-link state flipped; consumers use that to fire
// one-shot side effects, so repeated identical calls return false.
func (g *LinkGraph) UpdateLink(detector, peer string, linked bool) bool {
	if detector == peer {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	d, dok := g.links[detector]
	p, pok := g.links[peer]
	if !dok || !pok {
		return false
	}

	beforeD := len(d) > 0
	beforeP := len(p) > 0

	if linked {
		d[peer] = true
		p[detector] = true
	} else {
		delete(d, peer)
		delete(p, detector)
	}

	return (len(d) > 0) != beforeD || (len(p) > 0) != beforeP
}

// HasLink reports whether the statue currently has at least one link.
func (g *LinkGraph) HasLink(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.links[name]) > 0
}

// Linked reports whether the two statues are currently linked.
func (g *LinkGraph) Linked(a, b string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.links[a][b]
}

// Snapshot copies the whole graph under one lock acquisition. Peer
// lists come out sorted so output is stable across polls.
func (g *LinkGraph) Snapshot() LinkSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := LinkSnapshot{
		Links:   make(map[string][]string, len(g.links)),
		HasLink: make(map[string]bool, len(g.links)),
	}
	for name, peers := range g.links {
		list := make([]string, 0, len(peers))
		for peer := range peers {
			list = append(list, peer)
		}
		sort.Strings(list)
		snap.Links[name] = list
		snap.HasLink[name] = len(list) > 0
	}
	return snap
}

// DropStatue removes every link touching the statue, both directions.
// Called when a statue's detection loop dies so the display shows it
// unreachable instead of freezing its last known state.
func (g *LinkGraph) DropStatue(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	peers, ok := g.links[name]
	if !ok {
		return
	}
	for peer := range peers {
		delete(g.links[peer], name)
	}
	g.links[name] = make(map[string]bool)
}

// Clear removes all links. Called at session teardown.
func (g *LinkGraph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name := range g.links {
		g.links[name] = make(map[string]bool)
	}
}
