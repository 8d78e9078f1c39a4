// Package crdt implements the replicated shared document: an RGA
// (Replicated Growable Array) sequence of runes whose merge function is
// idempotent and commutative, so every replica converges to the same
// visible text regardless of delivery order or duplication.
//
// The algorithm is a swappable capability: anything exposing local edits,
// remote-update application, state-vector encoding, and text readout could
// replace it behind the same surface.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ID identifies one operation: a Lamport counter paired with the site that
// minted it. The total order over (Counter, Site) is the tie-breaker that
// makes concurrent same-position inserts deterministic on every replica.
type ID struct {
	Counter int    `json:"c"`
	Site    string `json:"s"`
}

// Less orders IDs by (Counter, Site).
func (a ID) Less(b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Site < b.Site
}

// head is the sentinel parent before the first character.
var head = ID{Counter: 0, Site: ""}

// InsertOp inserts one rune after Parent.
type InsertOp struct {
	Parent ID     `json:"p"`
	ID     ID     `json:"id"`
	Text   string `json:"t"` // exactly one rune
}

// DeleteOp tombstones the character inserted by Target.
type DeleteOp struct {
	ID     ID `json:"id"`
	Target ID `json:"tg"`
}

// Op is one replicated operation; exactly one field is set.
type Op struct {
	Insert *InsertOp `json:"i,omitempty"`
	Delete *DeleteOp `json:"d,omitempty"`
}

func (o Op) id() (ID, error) {
	switch {
	case o.Insert != nil:
		return o.Insert.ID, nil
	case o.Delete != nil:
		return o.Delete.ID, nil
	default:
		return ID{}, errors.New("crdt: empty op")
	}
}

type element struct {
	r       rune
	deleted bool
}

// siteLog tracks everything received from one site, for idempotence and
// state-vector diffs.
type siteLog struct {
	// frontier is the highest counter c such that counters 1..c have all
	// been received from this site.
	frontier int
	ops      map[int]Op
}

// Doc is one replica of the shared document.
type Doc struct {
	mu   sync.Mutex
	site string
	// Lamport clock; advanced past every remote counter observed.
	clock int

	elems    map[ID]element
	children map[ID][]ID // parent -> children, newest first
	sites    map[string]*siteLog

	// Causal buffers: ops whose dependency has not arrived yet.
	waitingIns map[ID][]InsertOp // keyed by missing parent
	waitingDel map[ID][]DeleteOp // keyed by missing target

	// Lazy linearization cache.
	order      []ID
	cachedText string
	dirty      bool
}

// New constructs an empty replica owned by the given site id.
func New(site string) *Doc {
	return &Doc{
		site:       site,
		elems:      make(map[ID]element),
		children:   make(map[ID][]ID),
		sites:      make(map[string]*siteLog),
		waitingIns: make(map[ID][]InsertOp),
		waitingDel: make(map[ID][]DeleteOp),
		dirty:      true,
	}
}

// Site returns this replica's site id.
func (d *Doc) Site() string { return d.site }

// Text returns the visible document text.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text()
}

// Len returns the visible document length in runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureOrder()
	return len(d.order)
}

// InsertAt inserts s at the visible rune index and returns the ops to
// broadcast. Minted IDs chain parents so the inserted run stays contiguous
// under concurrent merges.
func (d *Doc) InsertAt(index int, s string) ([]Op, error) {
	if s == "" {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.ensureOrder()
	if index < 0 || index > len(d.order) {
		return nil, fmt.Errorf("crdt: insert index %d out of range [0,%d]", index, len(d.order))
	}

	parent := head
	if index > 0 {
		parent = d.order[index-1]
	}

	runes := []rune(s)
	ops := make([]Op, 0, len(runes))
	for _, r := range runes {
		id := d.nextID()
		op := Op{Insert: &InsertOp{Parent: parent, ID: id, Text: string(r)}}
		d.record(op)
		d.integrateInsert(*op.Insert)
		ops = append(ops, op)
		parent = id
	}
	return ops, nil
}

// DeleteAt tombstones length runes starting at the visible rune index and
// returns the ops to broadcast.
func (d *Doc) DeleteAt(index, length int) ([]Op, error) {
	if length == 0 {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.ensureOrder()
	if index < 0 || length < 0 || index+length > len(d.order) {
		return nil, fmt.Errorf("crdt: delete [%d,%d) out of range [0,%d]", index, index+length, len(d.order))
	}

	targets := append([]ID(nil), d.order[index:index+length]...)
	ops := make([]Op, 0, len(targets))
	for _, tgt := range targets {
		id := d.nextID()
		op := Op{Delete: &DeleteOp{ID: id, Target: tgt}}
		d.record(op)
		d.integrateDelete(*op.Delete)
		ops = append(ops, op)
	}
	return ops, nil
}

// ReplaceAt is DeleteAt followed by InsertAt as one op batch.
func (d *Doc) ReplaceAt(index, length int, s string) ([]Op, error) {
	dels, err := d.DeleteAt(index, length)
	if err != nil {
		return nil, err
	}
	ins, err := d.InsertAt(index, s)
	if err != nil {
		return nil, err
	}
	return append(dels, ins...), nil
}

// ApplyRemote merges ops received from peers. The merge is idempotent
// (re-delivered ops are no-ops) and commutative (ops with unmet
// dependencies are buffered until the dependency arrives).
func (d *Doc) ApplyRemote(ops []Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range ops {
		id, err := op.id()
		if err != nil {
			return err
		}
		if d.received(id) {
			continue
		}
		if id.Counter > d.clock {
			d.clock = id.Counter
		}
		d.record(op)
		switch {
		case op.Insert != nil:
			d.integrateInsert(*op.Insert)
		case op.Delete != nil:
			d.integrateDelete(*op.Delete)
		}
	}
	return nil
}

// StateVector returns, per site, the highest counter up to which this
// replica has received every op. Gapped receipt beyond the frontier is not
// advertised, so a peer diffing against it never skips an op we are missing.
func (d *Doc) StateVector() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	sv := make(map[string]int, len(d.sites))
	for site, sl := range d.sites {
		if sl.frontier > 0 {
			sv[site] = sl.frontier
		}
	}
	return sv
}

// OpsSince returns every op this replica holds that lies beyond the given
// state vector, per-site in counter order. A late joiner sends its (empty)
// state vector and receives the full current state, not a history replay.
func (d *Doc) OpsSince(sv map[string]int) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Op
	for site, sl := range d.sites {
		after := sv[site]
		counters := make([]int, 0, len(sl.ops))
		for c := range sl.ops {
			if c > after {
				counters = append(counters, c)
			}
		}
		sort.Ints(counters)
		for _, c := range counters {
			out = append(out, sl.ops[c])
		}
	}
	return out
}

// ---- internals (d.mu held) ----

func (d *Doc) nextID() ID {
	d.clock++
	return ID{Counter: d.clock, Site: d.site}
}

func (d *Doc) received(id ID) bool {
	sl := d.sites[id.Site]
	if sl == nil {
		return false
	}
	_, ok := sl.ops[id.Counter]
	return ok
}

func (d *Doc) record(op Op) {
	id, err := op.id()
	if err != nil {
		return
	}
	sl := d.sites[id.Site]
	if sl == nil {
		sl = &siteLog{ops: make(map[int]Op)}
		d.sites[id.Site] = sl
	}
	sl.ops[id.Counter] = op
	for {
		if _, ok := sl.ops[sl.frontier+1]; !ok {
			break
		}
		sl.frontier++
	}
}

func (d *Doc) integrateInsert(op InsertOp) {
	if _, ok := d.elems[op.ID]; ok {
		return
	}
	if !d.known(op.Parent) {
		d.waitingIns[op.Parent] = append(d.waitingIns[op.Parent], op)
		return
	}

	var r rune
	for _, c := range op.Text {
		r = c
		break
	}
	d.elems[op.ID] = element{r: r}

	// Newest sibling first: concurrent inserts after the same parent are
	// ordered descending by (Counter, Site) on every replica.
	kids := d.children[op.Parent]
	pos := sort.Search(len(kids), func(i int) bool { return kids[i].Less(op.ID) })
	kids = append(kids, ID{})
	copy(kids[pos+1:], kids[pos:])
	kids[pos] = op.ID
	d.children[op.Parent] = kids

	d.dirty = true

	if dels := d.waitingDel[op.ID]; len(dels) > 0 {
		delete(d.waitingDel, op.ID)
		for _, del := range dels {
			d.integrateDelete(del)
		}
	}
	if queued := d.waitingIns[op.ID]; len(queued) > 0 {
		delete(d.waitingIns, op.ID)
		for _, ins := range queued {
			d.integrateInsert(ins)
		}
	}
}

func (d *Doc) integrateDelete(op DeleteOp) {
	e, ok := d.elems[op.Target]
	if !ok {
		d.waitingDel[op.Target] = append(d.waitingDel[op.Target], op)
		return
	}
	if e.deleted {
		return
	}
	e.deleted = true
	d.elems[op.Target] = e
	d.dirty = true
}

func (d *Doc) known(id ID) bool {
	if id == head {
		return true
	}
	_, ok := d.elems[id]
	return ok
}

func (d *Doc) ensureOrder() {
	if !d.dirty {
		return
	}

	order := make([]ID, 0, len(d.elems))
	var b strings.Builder

	var dfs func(parent ID)
	dfs = func(parent ID) {
		for _, id := range d.children[parent] {
			if e := d.elems[id]; !e.deleted {
				order = append(order, id)
				b.WriteRune(e.r)
			}
			dfs(id)
		}
	}
	dfs(head)

	d.order = order
	d.cachedText = b.String()
	d.dirty = false
}

func (d *Doc) text() string {
	d.ensureOrder()
	return d.cachedText
}
