package bitpattern_test

import (
	"strings"
	"testing"

	"github.com/dyntrace/dyntrace/internal/bitpattern"
)

func TestParse_Catchall(t *testing.T) {
	p, err := bitpattern.Parse("")
	if err != nil {
		t.Fatalf("Parse(\"\") returned error: %v", err)
	}
	if p.Mask != 0 || p.Match != 0 || p.NumBytes != 0 {
		t.Fatalf("Parse(\"\") = %+v, want zero Pattern", p)
	}
}

func TestParse_MaskDiscipline(t *testing.T) {
	cases := []string{
		"10101010",
		"1111xxxx",
		"XXXXXXXX",
		"11110000" + "00001111",
		"1",
		"0",
		"x",
	}
	for _, text := range cases {
		p, err := bitpattern.Parse(text)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", text, err)
		}
		if p.Match&^p.Mask != 0 {
			t.Errorf("Parse(%q): match & ~mask = %#x, want 0", text, p.Match&^p.Mask)
		}
	}
}

func TestParse_RoundTrip(t *testing.T) {
	cases := []string{
		"10101010",
		"1111xxxx",
		"XXXXXXXX",
		"11110000",
		"00001111",
		"1",
		"0",
		"x",
		"01x1",
	}
	for _, text := range cases {
		p, err := bitpattern.Parse(text)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", text, err)
		}
		got := bitpattern.Render(p.Mask, p.Match, len(text))
		want := strings.ToUpper(text)
		// Render always emits uppercase-insensitive '1'/'0'/'x'; normalize
		// case for comparison since 'X' and 'x' are semantically identical.
		want = strings.ReplaceAll(want, "X", "x")
		if got != want {
			t.Errorf("Render(Parse(%q)) = %q, want %q", text, got, want)
		}
	}
}

func TestParse_InvalidChar(t *testing.T) {
	_, err := bitpattern.Parse("101a0101")
	if err == nil {
		t.Fatal("Parse with invalid character: expected error, got nil")
	}
	var perr *bitpattern.ParseError
	if !asParseError(err, &perr) {
		t.Fatalf("error is not *ParseError: %v (%T)", err, err)
	}
	if perr.Pos != 3 || perr.Char != 'a' {
		t.Errorf("ParseError = %+v, want Pos=3 Char='a'", perr)
	}
}

func TestParse_NumBytes(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"1", 1},
		{"1111111", 1},
		{"11111111", 1},
		{"111111111", 2},
		{"1111111111111111", 2},
	}
	for _, c := range cases {
		p, err := bitpattern.Parse(c.text)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", c.text, err)
		}
		if p.NumBytes != c.want {
			t.Errorf("Parse(%q).NumBytes = %d, want %d", c.text, p.NumBytes, c.want)
		}
	}
}

func TestParse_TooLong(t *testing.T) {
	_, err := bitpattern.Parse(strings.Repeat("1", 33))
	if err == nil {
		t.Fatal("Parse with 33-bit pattern: expected error, got nil")
	}
}

func asParseError(err error, target **bitpattern.ParseError) bool {
	pe, ok := err.(*bitpattern.ParseError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
