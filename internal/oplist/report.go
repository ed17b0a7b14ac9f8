package oplist

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/go-xmlfmt/xmlfmt"
)

// ReportPrefix is one prefix entry as it appears at the head of a trace
// report.
type ReportPrefix struct {
	ID      string
	Bitmask string
	Detail  string
}

// ReportCount is one <count> element: a prefix-mask combination observed
// for an opcode within one region type.
type ReportCount struct {
	Prefixes string
	N        uint64
	Cycles   uint64 // 0 means "omit cycles/min/max attrs"
	Min      uint32
	Max      uint32
}

// ReportOp is one <op> element within a <region>, carrying every
// non-suppressed count observed for it in that region.
type ReportOp struct {
	Bitmask  string
	Mnemonic string
	Detail   string
	Counts   []ReportCount
}

// ReportRegion is one <region> element: every opcode with at least one
// emitted count for that region type.
type ReportRegion struct {
	Type string
	Ops  []ReportOp
}

// Report is the full decoded/encoded form of the <dyntrace> output
// document.
type Report struct {
	Prefixes []ReportPrefix
	Regions  []ReportRegion
}

type xmlReportCount struct {
	Prefixes string `xml:"prefixes,attr"`
	N        uint64 `xml:"n,attr"`
	Cycles   string `xml:"cycles,attr,omitempty"`
	Min      string `xml:"min,attr,omitempty"`
	Max      string `xml:"max,attr,omitempty"`
}

type xmlReportOp struct {
	Bitmask  string           `xml:"bitmask,attr"`
	Mnemonic string           `xml:"mneumonic,attr"`
	Detail   string           `xml:"detail,attr,omitempty"`
	Counts   []xmlReportCount `xml:"count"`
}

type xmlReportRegion struct {
	Type string        `xml:"type,attr"`
	Ops  []xmlReportOp `xml:"op"`
}

type xmlReportPrefix struct {
	ID      string `xml:"id,attr"`
	Bitmask string `xml:"bitmask,attr"`
	Detail  string `xml:"detail,attr,omitempty"`
}

type xmlReport struct {
	XMLName  xml.Name          `xml:"dyntrace"`
	Prefixes []xmlReportPrefix `xml:"prefix"`
	Regions  []xmlReportRegion `xml:"region"`
}

// Encode writes rpt to w as indent-4 pretty-printed XML, matching the
// report schema exactly (document element <dyntrace>, prefixes then
// regions, counters omitting cycles/min/max when cycles_total==0).
func Encode(w io.Writer, rpt Report) error {
	doc := xmlReport{}
	for _, p := range rpt.Prefixes {
		doc.Prefixes = append(doc.Prefixes, xmlReportPrefix{ID: p.ID, Bitmask: p.Bitmask, Detail: p.Detail})
	}
	for _, r := range rpt.Regions {
		xr := xmlReportRegion{Type: r.Type}
		for _, op := range r.Ops {
			xop := xmlReportOp{Bitmask: op.Bitmask, Mnemonic: op.Mnemonic, Detail: op.Detail}
			for _, c := range op.Counts {
				xc := xmlReportCount{Prefixes: c.Prefixes, N: c.N}
				if c.Cycles != 0 {
					xc.Cycles = fmt.Sprintf("%d", c.Cycles)
					xc.Min = fmt.Sprintf("%d", c.Min)
					xc.Max = fmt.Sprintf("%d", c.Max)
				}
				xop.Counts = append(xop.Counts, xc)
			}
			xr.Ops = append(xr.Ops, xop)
		}
		doc.Regions = append(doc.Regions, xr)
	}

	raw, err := xml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("oplist: marshal report: %w", err)
	}

	pretty := xmlfmt.FormatXML(string(raw), "", "    ")
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	_, err = io.WriteString(w, pretty)
	return err
}
