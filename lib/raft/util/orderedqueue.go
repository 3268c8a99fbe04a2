package util

import (
	"sync"

	"github.com/google/btree"
)

// OrderedIndex is a sorted, key-uint64 map purpose-built for
// ReadOnlyService's pending-notify cache: waiters park here keyed by the
// commit index they're waiting on, and get swept out in ascending-key
// order as the applied index advances past them. Backed by google/btree,
// mirroring the teacher's own reach for a specialized ordered structure
// (mapheap.go) for a similar sweep-the-head access pattern.
type OrderedIndex struct {
	mu   sync.Mutex
	tree *btree.BTree
}

type orderedItem struct {
	key   uint64
	value interface{}
}

func (i *orderedItem) Less(than btree.Item) bool {
	return i.key < than.(*orderedItem).key
}

// NewOrderedIndex returns an empty OrderedIndex.
func NewOrderedIndex() *OrderedIndex {
	return &OrderedIndex{tree: btree.New(32)}
}

// Put inserts or replaces the value parked at key.
func (o *OrderedIndex) Put(key uint64, value interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tree.ReplaceOrInsert(&orderedItem{key: key, value: value})
}

// Upsert applies fn to the value currently parked at key (nil if absent)
// and stores the result. Used by callers that park a growing list per key
// rather than a single value, e.g. ReadOnlyService's pending-notify cache
// where more than one ReadIndex batch can resolve to the same index.
func (o *OrderedIndex) Upsert(key uint64, fn func(existing interface{}) interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var existing interface{}
	if it := o.tree.Get(&orderedItem{key: key}); it != nil {
		existing = it.(*orderedItem).value
	}
	o.tree.ReplaceOrInsert(&orderedItem{key: key, value: fn(existing)})
}

// Len returns the number of parked entries.
func (o *OrderedIndex) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tree.Len()
}

// RemoveUpTo removes and returns every value parked at a key <= upTo, in
// ascending key order, the access pattern the periodic scanner and every
// FSMCaller.onApplied event use to sweep satisfied waiters.
func (o *OrderedIndex) RemoveUpTo(upTo uint64) []interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	var toRemove []btree.Item
	o.tree.Ascend(func(it btree.Item) bool {
		oi := it.(*orderedItem)
		if oi.key > upTo {
			return false
		}
		toRemove = append(toRemove, it)
		return true
	})
	out := make([]interface{}, 0, len(toRemove))
	for _, it := range toRemove {
		o.tree.Delete(it)
		out = append(out, it.(*orderedItem).value)
	}
	return out
}

// RemoveAll drains every parked entry regardless of key, used on shutdown
// and on transition into an error state.
func (o *OrderedIndex) RemoveAll() []interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]interface{}, 0, o.tree.Len())
	o.tree.Ascend(func(it btree.Item) bool {
		out = append(out, it.(*orderedItem).value)
		return true
	})
	o.tree.Clear(false)
	return out
}
