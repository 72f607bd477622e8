package frame

// refTree is the per-frame reference-count radix tree from spec.md §3/§4.1:
// "a radix tree (5 bits × 4 levels indexing the 20-bit physical frame
// number) mapping frame → reference count". Ported from
// original_source/kernel/src/memory/physical/tracking.rs's AddressTree,
// with lazy interior-node allocation preserved exactly: "Removing the last
// reference removes the leaf node (but leaves interior nodes allocated)."
const (
	radixBits = 5
	fanout    = 1 << radixBits // 32
	treeDepth = 4              // 4 * 5 = 20 bits, covering a 2^20-frame (4GiB) space
)

type refNode struct {
	count    uint32
	hasCount bool
	children [fanout]*refNode
}

type refTree struct {
	root refNode
}

func newRefTree() *refTree {
	return &refTree{}
}

// index extracts the 5-bit digit for the given tree depth (0 = top level).
func index(frameNumber uint32, depth int) int {
	shift := uint((treeDepth - 1 - depth) * radixBits)
	return int((frameNumber >> shift) & (fanout - 1))
}

// addReference increments frameNumber's count, creating interior nodes
// lazily, and returns the new count.
func (t *refTree) addReference(frameNumber uint32) uint32 {
	n := &t.root
	for d := 0; d < treeDepth-1; d++ {
		i := index(frameNumber, d)
		if n.children[i] == nil {
			n.children[i] = &refNode{}
		}
		n = n.children[i]
	}
	i := index(frameNumber, treeDepth-1)
	if n.children[i] == nil {
		n.children[i] = &refNode{}
	}
	leaf := n.children[i]
	leaf.count++
	leaf.hasCount = true
	return leaf.count
}

// addReferenceIfExists increments only if a leaf already exists, used by
// maybe_add_frame_reference (spec.md §4.1) for second-and-later references
// to shared FileBacked frames.
func (t *refTree) addReferenceIfExists(frameNumber uint32) (uint32, bool) {
	leaf := t.find(frameNumber)
	if leaf == nil || !leaf.hasCount {
		return 0, false
	}
	leaf.count++
	return leaf.count, true
}

func (t *refTree) find(frameNumber uint32) *refNode {
	n := &t.root
	for d := 0; d < treeDepth; d++ {
		i := index(frameNumber, d)
		if n.children[i] == nil {
			return nil
		}
		n = n.children[i]
	}
	return n
}

func (t *refTree) contains(frameNumber uint32) bool {
	leaf := t.find(frameNumber)
	return leaf != nil && leaf.hasCount
}

// removeReference decrements the count, removing the leaf entirely when it
// reaches zero. Returns the remaining count and whether the frame should be
// released back to the bitmap (count hit zero).
func (t *refTree) removeReference(frameNumber uint32) (remaining uint32, release bool) {
	path := [treeDepth]*refNode{}
	n := &t.root
	for d := 0; d < treeDepth; d++ {
		i := index(frameNumber, d)
		if n.children[i] == nil {
			return 0, false
		}
		path[d] = n
		n = n.children[i]
	}
	leaf := n
	if !leaf.hasCount || leaf.count == 0 {
		return 0, false
	}
	leaf.count--
	if leaf.count > 0 {
		return leaf.count, false
	}
	// Count hit zero: remove the leaf node itself, leaving interior nodes
	// allocated (tracking.rs's documented amortization choice).
	parent := path[treeDepth-1]
	parent.children[index(frameNumber, treeDepth-1)] = nil
	return 0, true
}
