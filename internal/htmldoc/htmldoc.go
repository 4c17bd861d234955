// Package htmldoc parses raw registry protocol markup into a navigable model
// of lettered sections and label/value fields. It knows nothing about the
// mapping rules; it only answers "what labels exist where".
package htmldoc

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// ErrMalformedDocument is returned only when the markup cannot be tokenized
// at all. Missing sections or labels are never a parse error.
var ErrMalformedDocument = errors.New("htmldoc: malformed document")

// SectionHeader is the pseudo-section covering everything before the first
// lettered section marker (the page summary block carrying the EudraCT
// number and trial status).
const SectionHeader = "header"

// Field is one label/value observation: the text of a node plus the value
// resolved by walking to the enclosing element's next sibling. Every text
// node yields a Field; most are noise and simply never match a candidate.
type Field struct {
	Label string
	Value string
	Pos   int
	// Table is the index of the innermost enclosing <table>, -1 outside
	// any table. Used by structural segmentation.
	Table int
}

type sectionRange struct {
	id    string
	start int
	end   int
}

// Document is the parsed page: fields in source order, partitioned into
// non-overlapping section ranges that cover the whole document.
type Document struct {
	fields   []Field
	sections []sectionRange
}

// SectionView is a bounded scope for label lookups: either one section of a
// document or a sub-block of a section. Lookups never leave the view.
type SectionView struct {
	doc   *Document
	id    string
	start int
	end   int
}

var inlineWrappers = map[string]bool{
	"b": true, "span": true, "strong": true, "font": true, "em": true, "i": true,
}

// Matches a section heading like "A. Protocol Information" or a coded label
// like "D.2.1.1.1 Trade name". The captured letter names the section.
var (
	sectionHeadRe = regexp.MustCompile(`^([A-Z])\.\s`)
	sectionCodeRe = regexp.MustCompile(`^([A-Z])\.\d`)
	codePrefixRe  = regexp.MustCompile(`^[a-z]\.\d+(\.\d+)*\.?\s+`)
)

// Parse tokenizes raw markup into a Document. It fails only when the input
// is empty or the tokenizer itself cannot consume it.
func Parse(raw string) (*Document, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedDocument)
	}
	root, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	d := &Document{}
	tableSeq := 0
	var tableStack []int

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "table" {
			tableStack = append(tableStack, tableSeq)
			tableSeq++
			defer func() { tableStack = tableStack[:len(tableStack)-1] }()
		}
		if n.Type == html.TextNode {
			label := collapse(n.Data)
			if label != "" {
				table := -1
				if len(tableStack) > 0 {
					table = tableStack[len(tableStack)-1]
				}
				d.fields = append(d.fields, Field{
					Label: label,
					Value: siblingValue(n),
					Pos:   len(d.fields),
					Table: table,
				})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	d.partitionSections()
	return d, nil
}

// partitionSections assigns every field to exactly one section. A new range
// opens whenever a field's text names a different section letter; fields
// before the first marker belong to the header pseudo-section.
func (d *Document) partitionSections() {
	cur := sectionRange{id: SectionHeader, start: 0}
	for i, f := range d.fields {
		letter := sectionLetter(f.Label)
		if letter == "" || letter == cur.id {
			continue
		}
		if i == 0 {
			// document opens directly with a lettered section
			cur = sectionRange{id: letter, start: 0}
			continue
		}
		cur.end = i
		d.sections = append(d.sections, cur)
		cur = sectionRange{id: letter, start: i}
	}
	cur.end = len(d.fields)
	d.sections = append(d.sections, cur)
}

func sectionLetter(label string) string {
	if m := sectionHeadRe.FindStringSubmatch(label); m != nil {
		return m[1]
	}
	if m := sectionCodeRe.FindStringSubmatch(label); m != nil {
		return m[1]
	}
	return ""
}

// Section returns a view over the first range carrying the given id, or nil
// when the document has no such section.
func (d *Document) Section(id string) *SectionView {
	for _, s := range d.sections {
		if strings.EqualFold(s.id, id) {
			return &SectionView{doc: d, id: s.id, start: s.start, end: s.end}
		}
	}
	return nil
}

// Whole returns a view spanning the entire document.
func (d *Document) Whole() *SectionView {
	return &SectionView{doc: d, id: "", start: 0, end: len(d.fields)}
}

// SectionIDs lists section ids in source order, header first when present.
func (d *Document) SectionIDs() []string {
	ids := make([]string, 0, len(d.sections))
	for _, s := range d.sections {
		ids = append(ids, s.id)
	}
	return ids
}

func (v *SectionView) ID() string { return v.id }

// Fields returns the fields bounded by this view, in source order.
func (v *SectionView) Fields() []Field {
	return v.doc.fields[v.start:v.end]
}

// Slice narrows the view to a field subrange. Offsets are relative to the
// view's own start.
func (v *SectionView) Slice(start, end int) *SectionView {
	if start < 0 {
		start = 0
	}
	if end > v.end-v.start {
		end = v.end - v.start
	}
	return &SectionView{doc: v.doc, id: v.id, start: v.start + start, end: v.start + end}
}

// Lookup returns every field in the view whose label satisfies match and
// whose value is non-empty, in source order.
func (v *SectionView) Lookup(match func(label string) bool) []Field {
	var out []Field
	for _, f := range v.Fields() {
		if f.Value != "" && match(f.Label) {
			out = append(out, f)
		}
	}
	return out
}

// FindLabel resolves the first non-empty value whose label equals the given
// text after normalization (case folding, whitespace collapse, trailing
// colon strip, section-code strip).
func (v *SectionView) FindLabel(label string) (string, bool) {
	want := StripSectionCode(CanonicalLabel(label))
	hits := v.Lookup(func(l string) bool {
		canon := CanonicalLabel(l)
		return canon == want || StripSectionCode(canon) == want
	})
	if len(hits) == 0 {
		return "", false
	}
	return hits[0].Value, true
}

// Text joins the view's label texts; segmentation uses it to tell "section
// mentions the marker but yielded no blocks" from "marker truly absent".
func (v *SectionView) Text() string {
	parts := make([]string, 0, v.end-v.start)
	for _, f := range v.Fields() {
		parts = append(parts, f.Label)
	}
	return strings.Join(parts, " ")
}

// siblingValue resolves the value cell for a label text node: the text of
// the parent element's next sibling, climbing out of inline wrappers when
// the label sits inside <b>/<span>/<strong>/<font>.
func siblingValue(n *html.Node) string {
	p := n.Parent
	if p == nil {
		return ""
	}
	sib := nextElementSibling(p)
	if sib == nil && inlineWrappers[p.Data] && p.Parent != nil {
		p = p.Parent
		sib = nextElementSibling(p)
	}
	if sib == nil {
		return ""
	}
	return collapse(textContent(sib))
}

func nextElementSibling(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
		// bare text directly after the label element also counts,
		// e.g. <span>EudraCT Number:</span> 2011-005696-17
		if s.Type == html.TextNode && strings.TrimSpace(s.Data) != "" {
			return s
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
		b.WriteString(" ")
	}
	return b.String()
}

func collapse(s string) string {
	s = strings.ReplaceAll(s, " ", " ")
	return strings.Join(strings.Fields(s), " ")
}

// CanonicalLabel lowers, collapses whitespace, and strips trailing colons
// and semicolons so that "Trade name:" and "trade NAME" compare equal.
func CanonicalLabel(s string) string {
	s = strings.ToLower(collapse(s))
	return strings.TrimRight(s, ":; ")
}

// StripSectionCode removes a leading protocol code such as "d.2.1.1.1 "
// from an already-canonical label.
func StripSectionCode(s string) string {
	return codePrefixRe.ReplaceAllString(s, "")
}
