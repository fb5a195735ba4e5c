// Package crdt implements the conflict-free replicated document state the
// sync engine merges concurrent edits into. The engine is deliberately
// narrow: state in, encoded update in, state out. Merge is last-writer-wins
// per entry with a (lamport clock, actor id) total order, which makes it
// commutative and idempotent -- the two properties the whole realtime
// subsystem leans on.
//
// State carries no internal locking. The document store serializes access
// with one mutex per in-memory replica.
package crdt

import (
	"regexp"
	"sort"
)

// Register is a single last-writer-wins cell for a metadata field.
type Register struct {
	Value string `cbor:"v"`
	Clock uint64 `cbor:"c"`
	Actor string `cbor:"a"`
}

// Block is one content block of a document. Position orders blocks; new
// blocks are inserted between neighbors by averaging positions. Deleted
// blocks stay as tombstones so a concurrent edit cannot resurrect them.
type Block struct {
	Kind     string  `cbor:"k"`
	HTML     string  `cbor:"h"`
	Position float64 `cbor:"p"`
	Deleted  bool    `cbor:"d"`
	Clock    uint64  `cbor:"c"`
	Actor    string  `cbor:"a"`
}

// State is the full replica state of one document.
type State struct {
	Meta   map[string]Register `cbor:"m"`
	Blocks map[string]Block    `cbor:"b"`
}

// Update is a delta: any subset of registers and blocks. Applying an
// update and applying the state it was taken from are the same operation.
type Update struct {
	Meta   map[string]Register `cbor:"m,omitempty"`
	Blocks map[string]Block    `cbor:"b,omitempty"`
}

// Well-known metadata fields.
const (
	MetaTitle   = "title"
	MetaIcon    = "icon"
	MetaSortPos = "sortPos"
	MetaParent  = "parent"
)

// Engine is the injected merge capability. Any implementation whose Merge
// is commutative and idempotent satisfies the sync engine's contract.
type Engine interface {
	New() *State
	Decode(data []byte) (*State, error)
	Encode(state *State) ([]byte, error)
	// Merge applies an encoded update to state in place.
	Merge(state *State, update []byte) error
	// Snapshot produces an update equivalent to the entire state, used to
	// initialize a freshly subscribed client.
	Snapshot(state *State) ([]byte, error)
}

// LWW is the reference Engine.
type LWW struct{}

func NewEngine() *LWW { return &LWW{} }

func (LWW) New() *State {
	return &State{
		Meta:   make(map[string]Register),
		Blocks: make(map[string]Block),
	}
}

func (e LWW) Decode(data []byte) (*State, error) {
	state, err := decodeState(data)
	if err != nil {
		return nil, err
	}
	if state.Meta == nil {
		state.Meta = make(map[string]Register)
	}
	if state.Blocks == nil {
		state.Blocks = make(map[string]Block)
	}
	return state, nil
}

func (LWW) Encode(state *State) ([]byte, error) {
	return encodeState(state)
}

func (e LWW) Merge(state *State, update []byte) error {
	u, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	state.apply(u)
	return nil
}

func (LWW) Snapshot(state *State) ([]byte, error) {
	return encodeUpdate(&Update{Meta: state.Meta, Blocks: state.Blocks})
}

func (s *State) apply(u *Update) {
	for key, incoming := range u.Meta {
		if current, ok := s.Meta[key]; !ok || wins(incoming.Clock, incoming.Actor, current.Clock, current.Actor) {
			s.Meta[key] = incoming
		}
	}
	for id, incoming := range u.Blocks {
		if current, ok := s.Blocks[id]; !ok || wins(incoming.Clock, incoming.Actor, current.Clock, current.Actor) {
			s.Blocks[id] = incoming
		}
	}
}

// wins reports whether (c1, a1) supersedes (c2, a2). Clocks first, actor id
// breaks ties so that replicas agree regardless of arrival order.
func wins(c1 uint64, a1 string, c2 uint64, a2 string) bool {
	if c1 != c2 {
		return c1 > c2
	}
	return a1 > a2
}

// SetMeta writes a metadata register with the next clock value.
func (s *State) SetMeta(key, value, actor string) {
	s.Meta[key] = Register{Value: value, Clock: s.NextClock(), Actor: actor}
}

// GetMeta returns a metadata value, or empty when unset.
func (s *State) GetMeta(key string) string {
	return s.Meta[key].Value
}

// NextClock returns a lamport clock strictly above everything in the state.
func (s *State) NextClock() uint64 {
	var max uint64
	for _, r := range s.Meta {
		if r.Clock > max {
			max = r.Clock
		}
	}
	for _, b := range s.Blocks {
		if b.Clock > max {
			max = b.Clock
		}
	}
	return max + 1
}

// OrderedBlocks returns live blocks in document order.
func (s *State) OrderedBlocks() []Block {
	ids := make([]string, 0, len(s.Blocks))
	for id, b := range s.Blocks {
		if !b.Deleted {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		bi, bj := s.Blocks[ids[i]], s.Blocks[ids[j]]
		if bi.Position != bj.Position {
			return bi.Position < bj.Position
		}
		return ids[i] < ids[j]
	})
	out := make([]Block, len(ids))
	for i, id := range ids {
		out[i] = s.Blocks[id]
	}
	return out
}

var attachmentRef = regexp.MustCompile(`/attachments/([A-Za-z0-9._-]+)`)

// AttachmentRefs lists attachment identifiers referenced by live blocks.
// Used to diff old vs new content at flush time for orphan cleanup.
func (s *State) AttachmentRefs() map[string]struct{} {
	refs := make(map[string]struct{})
	for _, b := range s.Blocks {
		if b.Deleted {
			continue
		}
		for _, m := range attachmentRef.FindAllStringSubmatch(b.HTML, -1) {
			refs[m[1]] = struct{}{}
		}
	}
	return refs
}
