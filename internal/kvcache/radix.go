package kvcache

import (
	"container/list"
	"sync"
	"time"
)

// affinity records one worker's claim on a block node.
type affinity struct {
	lastAccess time.Time
	refCount   int
	lruElem    *list.Element // element in the worker's LRU list
}

// node is one block in the radix tree. The path from the root to a node
// spells out a block-hash prefix; a child's prefix always fully contains
// its parent's.
type node struct {
	hash     uint64
	parent   *node
	children map[uint64]*node
	workers  map[int]*affinity
}

// lruEntry is what worker LRU lists store.
type lruEntry struct {
	n      *node
	worker int
}

// Tree is the block-level prefix index. A single RWMutex guards the whole
// structure: lookups take the read lock, insert/evict upgrade to write.
type Tree struct {
	mu        sync.RWMutex
	root      *node
	blockSize int
	maxPerWorker int

	// Per-worker LRU of affinity entries, most recent at the back.
	lru    map[int]*list.List
	counts map[int]int

	evictions int64
}

// NewTree creates a tree. maxPerWorker bounds the number of blocks a
// single worker may keep affinity for; 0 uses the 100k default.
func NewTree(blockSize, maxPerWorker int) *Tree {
	if blockSize <= 0 {
		blockSize = 16
	}
	if maxPerWorker <= 0 {
		maxPerWorker = 100_000
	}
	return &Tree{
		root:         &node{children: make(map[uint64]*node)},
		blockSize:    blockSize,
		maxPerWorker: maxPerWorker,
		lru:          make(map[int]*list.List),
		counts:       make(map[int]int),
	}
}

// BlockSize returns the configured tokens-per-block.
func (t *Tree) BlockSize() int { return t.blockSize }

// MatchBlocks walks the tree from the root and reports, per worker, how
// many consecutive blocks of hashes that worker has cached, plus the
// total depth present in the tree regardless of worker.
func (t *Tree) MatchBlocks(hashes []uint64) (depth int, perWorker map[int]int) {
	perWorker = make(map[int]int)
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := t.root
	contiguous := make(map[int]bool)
	for _, h := range hashes {
		child, ok := cur.children[h]
		if !ok {
			break
		}
		depth++
		for w := range child.workers {
			// Count only runs that start at the root: a worker missing an
			// earlier block cannot reuse later ones.
			if depth == 1 {
				contiguous[w] = true
			}
			if contiguous[w] && perWorker[w] == depth-1 {
				perWorker[w] = depth
			}
		}
		cur = child
	}
	return depth, perWorker
}

// Insert walks hashes from the root, creating missing nodes, and marks
// worker affinity (touching LRU recency) on every node of the path.
// Returns the number of newly created nodes.
func (t *Tree) Insert(hashes []uint64, worker int) int {
	if len(hashes) == 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	created := 0
	cur := t.root
	for _, h := range hashes {
		child, ok := cur.children[h]
		if !ok {
			child = &node{
				hash:     h,
				parent:   cur,
				children: make(map[uint64]*node),
				workers:  make(map[int]*affinity),
			}
			cur.children[h] = child
			created++
		}
		t.touchLocked(child, worker, now)
		cur = child
	}
	t.evictOverflowLocked(worker)
	return created
}

// touchLocked records or refreshes worker affinity on n.
func (t *Tree) touchLocked(n *node, worker int, now time.Time) {
	if a, ok := n.workers[worker]; ok {
		a.lastAccess = now
		a.refCount++
		if l := t.lru[worker]; l != nil && a.lruElem != nil {
			l.MoveToBack(a.lruElem)
		}
		return
	}
	l, ok := t.lru[worker]
	if !ok {
		l = list.New()
		t.lru[worker] = l
	}
	a := &affinity{lastAccess: now, refCount: 1}
	a.lruElem = l.PushBack(lruEntry{n: n, worker: worker})
	n.workers[worker] = a
	t.counts[worker]++
}

// evictOverflowLocked drops least-recently-used affinity entries for
// worker until it is back under the cap. The block node survives while
// any other worker references it; fully orphaned leaves are pruned.
func (t *Tree) evictOverflowLocked(worker int) {
	l := t.lru[worker]
	if l == nil {
		return
	}
	for t.counts[worker] > t.maxPerWorker {
		front := l.Front()
		if front == nil {
			break
		}
		entry := l.Remove(front).(lruEntry)
		delete(entry.n.workers, worker)
		t.counts[worker]--
		t.evictions++
		t.pruneLocked(entry.n)
	}
}

// pruneLocked removes n (and any newly orphaned ancestors) when it has no
// affinities and no children.
func (t *Tree) pruneLocked(n *node) {
	for n != nil && n != t.root && len(n.workers) == 0 && len(n.children) == 0 {
		parent := n.parent
		delete(parent.children, n.hash)
		n.parent = nil
		n = parent
	}
}

// WorkerBlockCount returns the number of blocks worker has affinity for.
func (t *Tree) WorkerBlockCount(worker int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[worker]
}

// Evictions returns the total number of affinity evictions.
func (t *Tree) Evictions() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.evictions
}
