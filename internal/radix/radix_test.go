package radix_test

import (
	"testing"

	"github.com/dyntrace/dyntrace/internal/radix"
)

func TestLookup_BestMatch(t *testing.T) {
	tr := radix.New[string](0)

	mustInsert(t, tr, 0x00000000, 0x00000000, "catchall")
	mustInsert(t, tr, 0xFF000000, 0x0F000000, "one-byte-0F")
	mustInsert(t, tr, 0xFFFF0000, 0x0F010000, "two-byte-0F01")

	cases := []struct {
		key  uint32
		want string
	}{
		{0x0F010203, "two-byte-0F01"},
		{0x0F020304, "one-byte-0F"},
		{0xAB000000, "catchall"},
	}
	for _, c := range cases {
		got, ok := tr.Lookup(c.key)
		if !ok {
			t.Fatalf("Lookup(%#08x): no match, want %q", c.key, c.want)
		}
		if got != c.want {
			t.Errorf("Lookup(%#08x) = %q, want %q", c.key, got, c.want)
		}
	}
}

func TestLookup_NoMatch(t *testing.T) {
	tr := radix.New[string](0)
	mustInsert(t, tr, 0xFF000000, 0x0F000000, "one-byte-0F")

	if _, ok := tr.Lookup(0x10000000); ok {
		t.Fatal("Lookup matched a key outside any inserted pattern")
	}
}

func TestInsert_DuplicateRejected(t *testing.T) {
	tr := radix.New[string](0)
	mustInsert(t, tr, 0xFF000000, 0x0F000000, "first")

	err := tr.Insert(0xFF000000, 0x0F000000, "second")
	if err == nil {
		t.Fatal("Insert of duplicate (mask, match): expected error, got nil")
	}
	dup, ok := err.(*radix.DuplicateError[string])
	if !ok {
		t.Fatalf("error is not *DuplicateError: %v (%T)", err, err)
	}
	if dup.Existing != "first" {
		t.Errorf("DuplicateError.Existing = %q, want %q", dup.Existing, "first")
	}
	if tr.Len() != 1 {
		t.Errorf("Len() = %d after rejected duplicate, want 1", tr.Len())
	}
}

func TestInsert_MatchMaskedOnInsert(t *testing.T) {
	tr := radix.New[string](0)
	// match carries bits outside mask; Insert must clear them before
	// keying the tier, or an otherwise-identical pattern could be
	// inserted twice under different match values.
	if err := tr.Insert(0x0F000000, 0xFFFFFFFF, "a"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := tr.Insert(0x0F000000, 0x0F000000, "b")
	if err == nil {
		t.Fatal("expected duplicate rejection after match-masking, got nil")
	}
}

func TestWalk_VisitsAllInInsertionOrder(t *testing.T) {
	tr := radix.New[int](0)
	if err := tr.Insert(0xFF000000, 0x01000000, 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert(0xFF000000, 0x02000000, 2); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert(0x0000FFFF, 0x00000003, 3); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var got []int
	tr.Walk(func(mask, match uint32, entry int) {
		got = append(got, entry)
	})
	if len(got) != 3 {
		t.Fatalf("Walk visited %d entries, want 3", len(got))
	}
	for i, want := range []int{1, 2, 3} {
		if got[i] != want {
			t.Errorf("Walk order[%d] = %d, want %d", i, got[i], want)
		}
	}
}

func mustInsert[E any](t *testing.T, tr *radix.Tree[E], mask, match uint32, entry E) {
	t.Helper()
	if err := tr.Insert(mask, match, entry); err != nil {
		t.Fatalf("Insert(%#08x, %#08x, %v): %v", mask, match, entry, err)
	}
}
