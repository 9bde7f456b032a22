// Package network provides the social link graph between agents.
//
// Links are keyed by agent handle rather than slot, so a link can never survive
// its endpoint's death and silently attach to the agent that reuses the slot.
package network

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/pthm-cable/tickworld/agents"
)

var (
	ErrStaleEndpoint = errors.New("network: endpoint is not a live agent")
	ErrSelfLink      = errors.New("network: self link")
	ErrDuplicateLink = errors.New("network: duplicate link")
	ErrMissingLink   = errors.New("network: missing link")
)

// topology is the subset of gonum's mutable graph API both simple graphs share.
type topology interface {
	graph.Graph
	graph.NodeAdder
	graph.NodeRemover
	graph.EdgeAdder
	graph.EdgeRemover
}

type edgeKey struct {
	from, to int64
}

// Options configures a Network.
type Options struct {
	Directed bool
}

// Network holds links between live agents, each carrying a state of type S.
// Only agents with at least one link are nodes of the underlying graph.
type Network[S any] struct {
	directed bool
	g        topology
	states   map[edgeKey]S
	alive    agents.Liveness
}

// New creates an empty network. alive decides which handles may be linked.
func New[S any](alive agents.Liveness, opts Options) *Network[S] {
	var g topology
	if opts.Directed {
		g = simple.NewDirectedGraph()
	} else {
		g = simple.NewUndirectedGraph()
	}
	return &Network[S]{
		directed: opts.Directed,
		g:        g,
		states:   make(map[edgeKey]S),
		alive:    alive,
	}
}

// Directed reports whether links are ordered pairs.
func (n *Network[S]) Directed() bool {
	return n.directed
}

func (n *Network[S]) key(a, b agents.Handle) edgeKey {
	ai, bi := a.ID(), b.ID()
	if !n.directed && bi < ai {
		ai, bi = bi, ai
	}
	return edgeKey{from: ai, to: bi}
}

func (n *Network[S]) live(h agents.Handle) bool {
	return n.alive == nil || n.alive.Alive(h)
}

// TryLink adds a link from a to b carrying s.
func (n *Network[S]) TryLink(a, b agents.Handle, s S) error {
	if !n.live(a) {
		return fmt.Errorf("%w: %s", ErrStaleEndpoint, a)
	}
	if !n.live(b) {
		return fmt.Errorf("%w: %s", ErrStaleEndpoint, b)
	}
	if a == b {
		return fmt.Errorf("%w: %s", ErrSelfLink, a)
	}
	k := n.key(a, b)
	if _, ok := n.states[k]; ok {
		return fmt.Errorf("%w: %s-%s", ErrDuplicateLink, a, b)
	}

	n.g.SetEdge(n.g.NewEdge(simple.Node(a.ID()), simple.Node(b.ID())))
	n.states[k] = s
	return nil
}

// Link adds a link and reports whether it was inserted. Stale endpoints,
// self links and duplicates are rejected without changing the network.
func (n *Network[S]) Link(a, b agents.Handle, s S) bool {
	return n.TryLink(a, b, s) == nil
}

// TryUnlink removes the link from a to b.
func (n *Network[S]) TryUnlink(a, b agents.Handle) error {
	if !n.live(a) || !n.live(b) {
		return fmt.Errorf("%w: %s-%s", ErrStaleEndpoint, a, b)
	}
	k := n.key(a, b)
	if _, ok := n.states[k]; !ok {
		return fmt.Errorf("%w: %s-%s", ErrMissingLink, a, b)
	}

	delete(n.states, k)
	n.g.RemoveEdge(a.ID(), b.ID())
	n.dropIfIsolated(a.ID())
	n.dropIfIsolated(b.ID())
	return nil
}

// Unlink removes a link and reports whether one existed.
func (n *Network[S]) Unlink(a, b agents.Handle) bool {
	return n.TryUnlink(a, b) == nil
}

func (n *Network[S]) dropIfIsolated(id int64) {
	if n.g.Node(id) == nil {
		return
	}
	if countNodes(n.g.From(id)) > 0 {
		return
	}
	if d, ok := n.g.(graph.Directed); ok && countNodes(d.To(id)) > 0 {
		return
	}
	n.g.RemoveNode(id)
}

// Linked reports whether a link from a to b exists.
func (n *Network[S]) Linked(a, b agents.Handle) bool {
	_, ok := n.states[n.key(a, b)]
	return ok
}

// State returns the state carried by the link from a to b.
func (n *Network[S]) State(a, b agents.Handle) (S, bool) {
	s, ok := n.states[n.key(a, b)]
	return s, ok
}

// SetState replaces the state of an existing link.
func (n *Network[S]) SetState(a, b agents.Handle, s S) bool {
	k := n.key(a, b)
	if _, ok := n.states[k]; !ok {
		return false
	}
	n.states[k] = s
	return true
}

// LinksOf yields the peers of h with the state of each link, ordered by handle.
// For a directed network only outgoing links are yielded.
func (n *Network[S]) LinksOf(h agents.Handle) iter.Seq2[agents.Handle, S] {
	return func(yield func(agents.Handle, S) bool) {
		for _, peer := range n.peers(h) {
			if !yield(peer, n.states[n.key(h, peer)]) {
				return
			}
		}
	}
}

func (n *Network[S]) peers(h agents.Handle) []agents.Handle {
	id := h.ID()
	if n.g.Node(id) == nil {
		return nil
	}
	it := n.g.From(id)
	out := make([]agents.Handle, 0, max(it.Len(), 0))
	for it.Next() {
		out = append(out, agents.FromID(it.Node().ID()))
	}
	slices.SortFunc(out, agents.Compare)
	return out
}

// Degree returns the number of links from h.
func (n *Network[S]) Degree(h agents.Handle) int {
	id := h.ID()
	if n.g.Node(id) == nil {
		return 0
	}
	return countNodes(n.g.From(id))
}

// InDegree returns the number of links to h. It equals Degree for undirected networks.
func (n *Network[S]) InDegree(h agents.Handle) int {
	d, ok := n.g.(graph.Directed)
	if !ok {
		return n.Degree(h)
	}
	id := h.ID()
	if n.g.Node(id) == nil {
		return 0
	}
	return countNodes(d.To(id))
}

// Len returns the number of links.
func (n *Network[S]) Len() int {
	return len(n.states)
}

// Nodes returns the number of agents with at least one link.
func (n *Network[S]) Nodes() int {
	return countNodes(n.g.Nodes())
}

// Purge removes h and every link incident to it.
func (n *Network[S]) Purge(h agents.Handle) {
	id := h.ID()
	if n.g.Node(id) == nil {
		return
	}

	var touched []int64
	for it := n.g.From(id); it.Next(); {
		peer := it.Node().ID()
		delete(n.states, n.rawKey(id, peer))
		touched = append(touched, peer)
	}
	if d, ok := n.g.(graph.Directed); ok {
		for it := d.To(id); it.Next(); {
			peer := it.Node().ID()
			delete(n.states, n.rawKey(peer, id))
			touched = append(touched, peer)
		}
	}

	n.g.RemoveNode(id)
	for _, peer := range touched {
		n.dropIfIsolated(peer)
	}
}

func (n *Network[S]) rawKey(from, to int64) edgeKey {
	if !n.directed && to < from {
		from, to = to, from
	}
	return edgeKey{from: from, to: to}
}

// Components returns the number of connected groups of linked agents.
// Directed links are treated as undirected.
func (n *Network[S]) Components() int {
	switch g := n.g.(type) {
	case *simple.UndirectedGraph:
		return len(topo.ConnectedComponents(g))
	case *simple.DirectedGraph:
		return len(topo.ConnectedComponents(graph.Undirect{G: g}))
	}
	return 0
}

func countNodes(it graph.Nodes) int {
	if l := it.Len(); l >= 0 {
		return l
	}
	c := 0
	for it.Next() {
		c++
	}
	return c
}
