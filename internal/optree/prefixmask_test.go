package optree

import "testing"

func TestLabelForID(t *testing.T) {
	cases := map[int]string{
		0: "A", 1: "B", 25: "Z", 26: "AA", 27: "AB", 51: "AZ", 52: "BA",
	}
	for id, want := range cases {
		if got := labelForID(id); got != want {
			t.Errorf("labelForID(%d) = %q, want %q", id, got, want)
		}
	}
}

func TestPrefixMask_RenderEmpty(t *testing.T) {
	var m PrefixMask
	if got := m.Render([]string{"A", "B"}); got != "" {
		t.Errorf("Render(empty) = %q, want \"\"", got)
	}
}

func TestPrefixMask_RenderAscendingOrder(t *testing.T) {
	m := PrefixMask(0).Add(2).Add(0)
	names := []string{"A", "B", "C"}
	if got := m.Render(names); got != "A,C" {
		t.Errorf("Render = %q, want %q", got, "A,C")
	}
}
