package extract

import (
	"sort"
	"strings"

	"github.com/CoReason-AI/coreason-etl-euctr/internal/extract/rules"
	"github.com/CoReason-AI/coreason-etl-euctr/internal/htmldoc"
)

// Segment partitions a section into sub-block views per the segmentation
// rule. It is a pure function of the section content: calling it twice
// yields identical boundaries. Zero blocks is a valid result.
func Segment(view *htmldoc.SectionView, seg rules.Segmentation) []*htmldoc.SectionView {
	if view == nil {
		return nil
	}
	switch seg.Mode {
	case "table":
		return segmentByTable(view, seg)
	default:
		return segmentByLabel(view, seg)
	}
}

// MarkersPresent reports whether any marker text occurs in the section at
// all. Zero blocks despite a textual marker hit is the heuristic signal
// behind the ambiguous-segmentation warning.
func MarkersPresent(view *htmldoc.SectionView, seg rules.Segmentation) bool {
	if view == nil {
		return false
	}
	for _, f := range view.Fields() {
		for i := range seg.Markers {
			if seg.Markers[i].Match(f.Label) {
				return true
			}
		}
	}
	// marker text may appear inline without being a field label of its own
	text := htmldoc.CanonicalLabel(view.Text())
	for i := range seg.Markers {
		m := &seg.Markers[i]
		if m.Label != "" && strings.Contains(text, htmldoc.CanonicalLabel(m.Label)) {
			return true
		}
	}
	return false
}

// segmentByTable groups the section's fields by their innermost enclosing
// table; a table yields a block when at least one marker matches a field
// with a non-empty value inside it. Blocks are emitted in source order.
func segmentByTable(view *htmldoc.SectionView, seg rules.Segmentation) []*htmldoc.SectionView {
	fields := view.Fields()

	type span struct {
		first, last int // indexes relative to the view
		marked      bool
	}
	spans := map[int]*span{}
	var order []int

	for i, f := range fields {
		if f.Table < 0 {
			continue
		}
		sp, ok := spans[f.Table]
		if !ok {
			sp = &span{first: i, last: i}
			spans[f.Table] = sp
			order = append(order, f.Table)
		}
		sp.last = i
		if !sp.marked && f.Value != "" {
			for j := range seg.Markers {
				if seg.Markers[j].Match(f.Label) {
					sp.marked = true
					break
				}
			}
		}
	}

	sort.Slice(order, func(a, b int) bool { return spans[order[a]].first < spans[order[b]].first })

	var blocks []*htmldoc.SectionView
	for _, t := range order {
		sp := spans[t]
		if sp.marked {
			blocks = append(blocks, view.Slice(sp.first, sp.last+1))
		}
	}
	return blocks
}

// segmentByLabel starts a new block at every marker occurrence. A marker
// inside what should be a block's own fields still ends the previous block:
// greedy by policy, no deeper structural inference. The last block extends
// to the section's end.
func segmentByLabel(view *htmldoc.SectionView, seg rules.Segmentation) []*htmldoc.SectionView {
	fields := view.Fields()

	var starts []int
	for i, f := range fields {
		for j := range seg.Markers {
			if seg.Markers[j].Match(f.Label) {
				starts = append(starts, i)
				break
			}
		}
	}
	if len(starts) == 0 {
		return nil
	}

	blocks := make([]*htmldoc.SectionView, 0, len(starts))
	for i, s := range starts {
		end := len(fields)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		blocks = append(blocks, view.Slice(s, end))
	}
	return blocks
}
