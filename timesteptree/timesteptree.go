/*
Package timesteptree provides the append-only shared history tree that
records the timestep at which every live prefix emitted a label.

Many prefixes in the beam co-emit the same label at the same frame and
therefore share the same timestep history. Rather than give every
prefix its own copy of "the frames at which each of my labels was
emitted", each prefix holds a pointer to one node of a tree whose path
to the root is that history, in reverse. A node is never mutated once
it has been linked in as a child — only new children are appended —
which is what lets many prefixes share long common suffixes cheaply.
*/
package timesteptree

// Node is one entry in the timestep history tree. The root (returned by
// NewTree) has no meaningful Timestep and is never itself part of any
// prefix's reported history.
type Node struct {
	Timestep uint32
	parent   *Node
	children []*Node
}

// Tree owns the root of a timestep history and all nodes reachable from
// it.
type Tree struct {
	root *Node
}

// NewTree returns an empty timestep tree.
func NewTree() *Tree {
	return &Tree{root: &Node{}}
}

// Root returns the tree's root node. A freshly initialized prefix's
// timestep pointer starts here.
func (t *Tree) Root() *Node {
	return t.root
}

// AddChild returns the child of parent recording timestep, creating it
// if one doesn't already exist. Existing children are scanned in
// insertion order and reused when their payload matches, which is the
// mechanism that keeps the tree compact when many prefixes emit the
// same label at the same frame.
func (t *Tree) AddChild(parent *Node, timestep uint32) *Node {
	for _, c := range parent.children {
		if c.Timestep == timestep {
			return c
		}
	}
	child := &Node{Timestep: timestep, parent: parent}
	parent.children = append(parent.children, child)
	return child
}

// History walks from tail up to but excluding root, and returns the
// timesteps encountered, in forward (chronological) order.
func History(tail, root *Node) []uint32 {
	var rev []uint32
	for n := tail; n != nil && n != root; n = n.parent {
		rev = append(rev, n.Timestep)
	}
	out := make([]uint32, len(rev))
	for i, v := range rev {
		out[len(rev)-1-i] = v
	}
	return out
}
