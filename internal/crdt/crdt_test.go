package crdt

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
)

func mustEncode(t *testing.T, u *Update) []byte {
	t.Helper()
	data, err := EncodeUpdate(u)
	if err != nil {
		t.Fatalf("encode update: %v", err)
	}
	return data
}

func blockUpdate(id, html string, pos float64, clock uint64, actor string) *Update {
	return &Update{Blocks: map[string]Block{
		id: {Kind: "paragraph", HTML: html, Position: pos, Clock: clock, Actor: actor},
	}}
}

func encoded(t *testing.T, e Engine, s *State) []byte {
	t.Helper()
	data, err := e.Encode(s)
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}
	return data
}

func TestMergeCommutative(t *testing.T) {
	e := NewEngine()
	a := mustEncode(t, blockUpdate("b1", "<p>hello</p>", 1, 1, "alice"))
	b := mustEncode(t, blockUpdate("b2", "<p>world</p>", 2, 1, "bob"))

	ab := e.New()
	if err := e.Merge(ab, a); err != nil {
		t.Fatal(err)
	}
	if err := e.Merge(ab, b); err != nil {
		t.Fatal(err)
	}

	ba := e.New()
	if err := e.Merge(ba, b); err != nil {
		t.Fatal(err)
	}
	if err := e.Merge(ba, a); err != nil {
		t.Fatal(err)
	}

	if string(encoded(t, e, ab)) != string(encoded(t, e, ba)) {
		t.Error("A then B differs from B then A")
	}
}

func TestMergeIdempotent(t *testing.T) {
	e := NewEngine()
	u := mustEncode(t, blockUpdate("b1", "<p>once</p>", 1, 1, "alice"))

	once := e.New()
	if err := e.Merge(once, u); err != nil {
		t.Fatal(err)
	}

	twice := e.New()
	for i := 0; i < 2; i++ {
		if err := e.Merge(twice, u); err != nil {
			t.Fatal(err)
		}
	}

	if string(encoded(t, e, once)) != string(encoded(t, e, twice)) {
		t.Error("applying the same update twice changed the state")
	}
}

func TestConcurrentWritesConvergeDeterministically(t *testing.T) {
	e := NewEngine()
	// Same block, same clock, different actors: actor id breaks the tie.
	a := mustEncode(t, blockUpdate("b1", "<p>from alice</p>", 1, 5, "alice"))
	b := mustEncode(t, blockUpdate("b1", "<p>from bob</p>", 1, 5, "bob"))

	s := e.New()
	if err := e.Merge(s, a); err != nil {
		t.Fatal(err)
	}
	if err := e.Merge(s, b); err != nil {
		t.Fatal(err)
	}

	if got := s.Blocks["b1"].HTML; got != "<p>from bob</p>" {
		t.Errorf("expected higher actor id to win, got %q", got)
	}
}

func TestTombstoneWinsOverStaleEdit(t *testing.T) {
	e := NewEngine()
	s := e.New()

	insert := mustEncode(t, blockUpdate("b1", "<p>text</p>", 1, 1, "alice"))
	del := mustEncode(t, &Update{Blocks: map[string]Block{
		"b1": {Deleted: true, Position: 1, Clock: 3, Actor: "alice"},
	}})
	staleEdit := mustEncode(t, blockUpdate("b1", "<p>edited</p>", 1, 2, "bob"))

	for _, u := range [][]byte{insert, del, staleEdit} {
		if err := e.Merge(s, u); err != nil {
			t.Fatal(err)
		}
	}

	if !s.Blocks["b1"].Deleted {
		t.Error("stale edit resurrected a deleted block")
	}
	if len(s.OrderedBlocks()) != 0 {
		t.Error("tombstoned block still visible")
	}
}

func TestNClientConvergence(t *testing.T) {
	e := NewEngine()
	const clients = 5
	const updatesPerClient = 20

	rng := rand.New(rand.NewSource(42))
	var updates [][]byte
	for c := 0; c < clients; c++ {
		actor := fmt.Sprintf("client-%d", c)
		for i := 0; i < updatesPerClient; i++ {
			id := fmt.Sprintf("b%d", rng.Intn(30))
			u := blockUpdate(id, fmt.Sprintf("<p>%s:%d</p>", actor, i), rng.Float64()*100, uint64(rng.Intn(50)+1), actor)
			updates = append(updates, mustEncode(t, u))
		}
	}

	// Every client applies all updates in its own shuffled order.
	var states []*State
	for c := 0; c < clients; c++ {
		shuffled := make([][]byte, len(updates))
		copy(shuffled, updates)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		s := e.New()
		for _, u := range shuffled {
			if err := e.Merge(s, u); err != nil {
				t.Fatal(err)
			}
		}
		states = append(states, s)
	}

	first := encoded(t, e, states[0])
	for i := 1; i < clients; i++ {
		if string(encoded(t, e, states[i])) != string(first) {
			t.Fatalf("client %d diverged", i)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	e := NewEngine()
	s := e.New()
	s.SetMeta(MetaTitle, "Design notes", "server")
	if err := e.Merge(s, mustEncode(t, blockUpdate("b1", "<p>body</p>", 1, 1, "alice"))); err != nil {
		t.Fatal(err)
	}

	snap, err := e.Snapshot(s)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	fresh := e.New()
	if err := e.Merge(fresh, snap); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(fresh.Meta, s.Meta) || !reflect.DeepEqual(fresh.Blocks, s.Blocks) {
		t.Error("snapshot did not reproduce the state")
	}
}

func TestEncodeDecodeState(t *testing.T) {
	e := NewEngine()
	s := e.New()
	s.SetMeta(MetaTitle, "Persisted", "server")
	s.Blocks["b1"] = Block{Kind: "paragraph", HTML: "<p>x</p>", Position: 1, Clock: 2, Actor: "alice"}

	data, err := e.Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	back, err := e.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.GetMeta(MetaTitle) != "Persisted" || back.Blocks["b1"].HTML != "<p>x</p>" {
		t.Errorf("state round-trip mismatch: %+v", back)
	}
}

func TestDecodeGarbage(t *testing.T) {
	e := NewEngine()
	if err := e.Merge(e.New(), []byte{0xff, 0x00, 0x01}); err == nil {
		t.Error("expected error merging garbage bytes")
	}
}

func TestOrderedBlocks(t *testing.T) {
	e := NewEngine()
	s := e.New()
	s.Blocks["b"] = Block{HTML: "second", Position: 2, Clock: 1, Actor: "a"}
	s.Blocks["a"] = Block{HTML: "first", Position: 1, Clock: 1, Actor: "a"}
	s.Blocks["c"] = Block{HTML: "gone", Position: 3, Clock: 1, Actor: "a", Deleted: true}

	ordered := s.OrderedBlocks()
	if len(ordered) != 2 || ordered[0].HTML != "first" || ordered[1].HTML != "second" {
		t.Errorf("unexpected order: %+v", ordered)
	}
}

func TestAttachmentRefs(t *testing.T) {
	e := NewEngine()
	s := e.New()
	s.Blocks["b1"] = Block{HTML: `<img src="/attachments/img-1.png">`, Position: 1, Clock: 1, Actor: "a"}
	s.Blocks["b2"] = Block{HTML: `<a href="/attachments/doc_2.pdf">file</a>`, Position: 2, Clock: 1, Actor: "a"}
	s.Blocks["b3"] = Block{HTML: `<img src="/attachments/dead.png">`, Position: 3, Clock: 1, Actor: "a", Deleted: true}

	refs := s.AttachmentRefs()
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %d: %v", len(refs), refs)
	}
	if _, ok := refs["img-1.png"]; !ok {
		t.Error("missing img-1.png")
	}
	if _, ok := refs["dead.png"]; ok {
		t.Error("tombstoned block must not pin attachments")
	}
}
