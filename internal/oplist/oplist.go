// Package oplist is the XML reader/writer external collaborator: it
// decodes bitpattern-definition files (the <document> input format) and
// encodes trace reports (the <dyntrace> output format), and resolves the
// default opcode-file search path when the caller supplies none.
//
// Decoding uses encoding/xml directly — there is no third-party XML
// parser anywhere in the retrieved reference material, so this is the
// one place the package deliberately falls back to the standard library
// (see DESIGN.md). Encoding additionally runs its output through
// go-xmlfmt to produce the indent-4 pretty-printed form the report
// schema requires.
package oplist

import (
	"embed"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

//go:embed testdata/oplist-min.xml
var embeddedFS embed.FS

// DefaultOplistXML is a small but real x86 opcode/prefix subset — one-byte
// ALU ops, the 0F two-byte escape, legacy prefixes, and the REX prefix
// range — embedded as the built-in fallback oplist and as test fixture
// data.
func DefaultOplistXML() []byte {
	b, err := embeddedFS.ReadFile("testdata/oplist-min.xml")
	if err != nil {
		// Unreachable: the file is embedded at build time.
		panic(err)
	}
	return b
}

// PrefixDef and OpDef are the decoded form of a <prefix>/<op> element
// from an input definition file, before compilation into bitpattern.Pattern
// values (internal/optree does that compilation, since it also needs to
// assign prefix ids and detect duplicates against the live tree).
type PrefixDef struct {
	Bitmask string
	Detail  string
	File    string
	Line    int
}

type OpDef struct {
	Bitmask  string
	Mnemonic string
	Detail   string
	File     string
	Line     int
}

// Definitions is the parsed contents of one or more definition files,
// accumulated additively across repeated -f flags per spec's resolved
// "additive across repeats" open question.
type Definitions struct {
	Prefixes []PrefixDef
	Ops      []OpDef
}

type xmlDocument struct {
	XMLName  xml.Name      `xml:"document"`
	Prefixes []xmlPrefix   `xml:"prefix"`
	Ops      []xmlOp       `xml:"op"`
}

type xmlPrefix struct {
	Bitmask string `xml:"bitmask,attr"`
	Detail  string `xml:"detail,attr"`
}

type xmlOp struct {
	Bitmask  string `xml:"bitmask,attr"`
	Mnemonic string `xml:"mneumonic,attr"` // spelled as shown for file-format compatibility
	Detail   string `xml:"detail,attr"`
}

// Load parses the bitpattern-definition file at path and appends its
// contents to defs (defs may be nil to start a fresh Definitions). Every
// <op> element must carry a non-empty mneumonic attribute; violations are
// reported as plain errors that name the file. They carry no line number
// and are not *diag.ParseError values.
func Load(path string, defs *Definitions) (*Definitions, error) {
	f, err := os.Open(path)
	if err != nil {
		return defs, fmt.Errorf("oplist: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f, path, defs)
}

// Decode parses r as a bitpattern-definition document, tagging every
// definition with name for diagnostic context.
func Decode(r io.Reader, name string, defs *Definitions) (*Definitions, error) {
	if defs == nil {
		defs = &Definitions{}
	}

	var doc xmlDocument
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return defs, fmt.Errorf("oplist: parse %s: %w", name, err)
	}

	for _, p := range doc.Prefixes {
		defs.Prefixes = append(defs.Prefixes, PrefixDef{
			Bitmask: p.Bitmask,
			Detail:  p.Detail,
			File:    name,
		})
	}
	for _, o := range doc.Ops {
		if o.Mnemonic == "" {
			return defs, fmt.Errorf("oplist: %s: <op bitmask=%q> missing required mneumonic attribute", name, o.Bitmask)
		}
		defs.Ops = append(defs.Ops, OpDef{
			Bitmask:  o.Bitmask,
			Mnemonic: o.Mnemonic,
			Detail:   o.Detail,
			File:     name,
		})
	}
	return defs, nil
}

// DefaultPath returns the conventional search path for the built-in
// opcode-definition file, in priority order: the DYNTRACE_OPLIST
// environment variable, the installed-package path, then a path next to
// the running executable. It returns "" if none of those paths exist,
// meaning callers should fall back to DefaultOplistXML.
func DefaultPath() string {
	if p := os.Getenv("DYNTRACE_OPLIST"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	const installed = "/usr/local/share/dyntrace/oplist.xml"
	if _, err := os.Stat(installed); err == nil {
		return installed
	}

	if exe, err := exec.LookPath(os.Args[0]); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "oplist.xml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	return ""
}
