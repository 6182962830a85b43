// Package crdt implements a Logoot-style replicated text sequence.
//
// Every character carries a position identifier that is totally ordered
// and globally unique, so replicas can integrate each other's operations
// in any order and still converge. Positions are never reused: the
// allocating site is woven into the path and a per-site clock is part of
// the identifier, which makes replayed or stale operations harmless
// no-ops.
package crdt

import (
	"fmt"
	"sort"
	"strings"
)

// Base is the radix of a path digit.
const Base = 1 << 16

// Elem is one level of a position path: a digit plus the site that
// allocated it. Carrying the site per level means two sites inserting
// concurrently at the same spot get distinct paths, so there is always
// room to allocate strictly between any two neighbors.
type Elem struct {
	Digit int `json:"d"`
	Site  int `json:"s"`
}

// Pos is a position identifier. Ordering is lexicographic on Path
// (digit first, then site; a strict prefix sorts first), then by Clock.
type Pos struct {
	Path  []Elem `json:"path"`
	Clock int    `json:"clock"`
}

// Compare returns -1, 0 or 1.
func (p Pos) Compare(q Pos) int {
	for i := 0; i < len(p.Path) && i < len(q.Path); i++ {
		pe, qe := p.Path[i], q.Path[i]
		if pe.Digit != qe.Digit {
			if pe.Digit < qe.Digit {
				return -1
			}
			return 1
		}
		if pe.Site != qe.Site {
			if pe.Site < qe.Site {
				return -1
			}
			return 1
		}
	}
	if len(p.Path) != len(q.Path) {
		if len(p.Path) < len(q.Path) {
			return -1
		}
		return 1
	}
	if p.Clock != q.Clock {
		if p.Clock < q.Clock {
			return -1
		}
		return 1
	}
	return 0
}

// between allocates a path strictly between l and r for site. A nil l
// means the beginning of the document, a nil r the end. Appends at the
// end pack densely (digit+1); interior inserts take the midpoint of the
// gap. When a level has no digit room (equal or adjacent digits), the
// left bound's element is copied and allocation descends a level; once
// the copied prefix sorts strictly below r, deeper levels are bounded
// only on the left.
func between(l, r []Elem, site int) []Elem {
	var out []Elem
	appending := r == nil
	rBinds := !appending
	for i := 0; ; i++ {
		lo := Elem{}
		if i < len(l) {
			lo = l[i]
		}
		hi := Elem{Digit: Base}
		if rBinds && i < len(r) {
			hi = r[i]
		}
		if hi.Digit-lo.Digit > 1 {
			if appending {
				return append(out, Elem{Digit: lo.Digit + 1, Site: site})
			}
			return append(out, Elem{Digit: lo.Digit + (hi.Digit-lo.Digit)/2, Site: site})
		}
		out = append(out, lo)
		rBinds = rBinds && lo == hi
	}
}

// Char is one element of the sequence.
type Char struct {
	Value string `json:"v"`
	Pos   Pos    `json:"pos"`
}

// Insertion is a portable insert operation. Positions holds one
// identifier per rune of Text; At is the offset at generation time and
// is only advisory — integration resolves by position.
type Insertion struct {
	At        int    `json:"insert_at"`
	Text      string `json:"text"`
	Site      int    `json:"site"`
	Positions []Pos  `json:"positions"`
}

// Deletion is a portable delete operation covering Range [start,end) at
// generation time. Positions identifies the deleted characters.
type Deletion struct {
	Range     [2]int `json:"range"`
	Site      int    `json:"site"`
	Positions []Pos  `json:"positions"`
}

// Document is one replica's view of the shared text.
type Document struct {
	chars    []Char
	site     int
	clock    int
	lastEdit int
}

// New builds a document owned by site with the given initial content.
func New(text string, site int) *Document {
	d := &Document{site: site, lastEdit: site}
	var prev []Elem
	for _, r := range text {
		path := between(prev, nil, site)
		d.chars = append(d.chars, Char{
			Value: string(r),
			Pos:   Pos{Path: path, Clock: d.clock},
		})
		d.clock++
		prev = path
	}
	return d
}

// Fork returns a causally independent copy sharing the current content
// but writing as a different site.
func (d *Document) Fork(site int) *Document {
	return &Document{
		chars:    append([]Char(nil), d.chars...),
		site:     site,
		lastEdit: d.lastEdit,
	}
}

// Site returns the replica identity this document writes as.
func (d *Document) Site() int { return d.site }

// LastEdit returns the site of the most recent mutation.
func (d *Document) LastEdit() int { return d.lastEdit }

// Len returns the number of characters.
func (d *Document) Len() int { return len(d.chars) }

func (d *Document) String() string {
	var b strings.Builder
	for _, c := range d.chars {
		b.WriteString(c.Value)
	}
	return b.String()
}

// Chars returns a snapshot of the sequence.
func (d *Document) Chars() []Char {
	return append([]Char(nil), d.chars...)
}

// Load replaces the content wholesale, keeping this replica's identity
// and clock. Used when a full snapshot transfers ground truth.
func (d *Document) Load(chars []Char, lastEdit int) {
	d.chars = append([]Char(nil), chars...)
	d.lastEdit = lastEdit
}

// find returns the index of pos, or the index it would be inserted at.
func (d *Document) find(pos Pos) (int, bool) {
	i := sort.Search(len(d.chars), func(i int) bool {
		return d.chars[i].Pos.Compare(pos) >= 0
	})
	if i < len(d.chars) && d.chars[i].Pos.Compare(pos) == 0 {
		return i, true
	}
	return i, false
}

// Insert places text at the given offset (clamped to the buffer) and
// returns the portable operation. The local buffer is mutated
// immediately.
func (d *Document) Insert(at int, text string) Insertion {
	if at < 0 {
		at = 0
	}
	if at > len(d.chars) {
		at = len(d.chars)
	}
	ins := Insertion{At: at, Text: text, Site: d.site}

	var l, r []Elem
	if at > 0 {
		l = d.chars[at-1].Pos.Path
	}
	if at < len(d.chars) {
		r = d.chars[at].Pos.Path
	}
	for _, ch := range text {
		path := between(l, r, d.site)
		pos := Pos{Path: path, Clock: d.clock}
		d.clock++
		d.chars = append(d.chars, Char{})
		copy(d.chars[at+1:], d.chars[at:])
		d.chars[at] = Char{Value: string(ch), Pos: pos}
		ins.Positions = append(ins.Positions, pos)
		at++
		l = path
	}
	d.lastEdit = d.site
	return ins
}

// Delete removes the characters in [from,to), clamped to the buffer, and
// returns the portable operation.
func (d *Document) Delete(from, to int) Deletion {
	if from < 0 {
		from = 0
	}
	if to > len(d.chars) {
		to = len(d.chars)
	}
	if from > to {
		from = to
	}
	del := Deletion{Range: [2]int{from, to}, Site: d.site}
	for _, c := range d.chars[from:to] {
		del.Positions = append(del.Positions, c.Pos)
	}
	d.chars = append(d.chars[:from], d.chars[to:]...)
	d.lastEdit = d.site
	return del
}

// IntegrateInsertion applies an insertion produced by another replica.
// Characters whose positions are already present are skipped, so replays
// are idempotent and leave the edit stamp alone.
func (d *Document) IntegrateInsertion(ins Insertion) error {
	runes := []rune(ins.Text)
	if len(runes) != len(ins.Positions) {
		return fmt.Errorf("insertion carries %d runes but %d positions", len(runes), len(ins.Positions))
	}
	changed := false
	for i, pos := range ins.Positions {
		at, found := d.find(pos)
		if found {
			continue
		}
		d.chars = append(d.chars, Char{})
		copy(d.chars[at+1:], d.chars[at:])
		d.chars[at] = Char{Value: string(runes[i]), Pos: pos}
		changed = true
	}
	if changed {
		d.lastEdit = ins.Site
	}
	return nil
}

// IntegrateDeletion applies a deletion produced by another replica.
// Positions that no longer exist are skipped.
func (d *Document) IntegrateDeletion(del Deletion) {
	changed := false
	for _, pos := range del.Positions {
		if at, found := d.find(pos); found {
			d.chars = append(d.chars[:at], d.chars[at+1:]...)
			changed = true
		}
	}
	if changed {
		d.lastEdit = del.Site
	}
}
