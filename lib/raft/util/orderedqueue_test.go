package util

import "testing"

func TestOrderedIndexRemoveUpTo(t *testing.T) {
	o := NewOrderedIndex()
	o.Put(5, "five")
	o.Put(1, "one")
	o.Put(3, "three")
	o.Put(9, "nine")

	got := o.RemoveUpTo(3)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries removed, got %v", got)
	}
	if got[0] != "one" || got[1] != "three" {
		t.Fatalf("expected ascending order [one, three], got %v", got)
	}
	if o.Len() != 2 {
		t.Fatalf("expected 2 entries remaining, got %d", o.Len())
	}
}

func TestOrderedIndexRemoveAll(t *testing.T) {
	o := NewOrderedIndex()
	o.Put(2, "a")
	o.Put(1, "b")

	got := o.RemoveAll()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %v", got)
	}
	if o.Len() != 0 {
		t.Fatalf("expected empty index after RemoveAll, got %d", o.Len())
	}
}

func TestOrderedIndexRemoveUpToEmpty(t *testing.T) {
	o := NewOrderedIndex()
	if got := o.RemoveUpTo(100); len(got) != 0 {
		t.Fatalf("expected no entries removed from an empty index, got %v", got)
	}
}

func TestOrderedIndexPutReplaces(t *testing.T) {
	o := NewOrderedIndex()
	o.Put(1, "first")
	o.Put(1, "second")
	if o.Len() != 1 {
		t.Fatalf("expected Put to replace rather than duplicate, got len=%d", o.Len())
	}
	got := o.RemoveUpTo(1)
	if len(got) != 1 || got[0] != "second" {
		t.Fatalf("expected replaced value, got %v", got)
	}
}
