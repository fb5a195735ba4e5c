package crdt

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Wire format is CBOR with core deterministic encoding, so the same state
// always serializes to the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func encodeState(state *State) ([]byte, error) {
	data, err := encMode.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (*State, error) {
	var state State
	if err := decMode.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// EncodeUpdate serializes a delta for the wire or for tests.
func EncodeUpdate(u *Update) ([]byte, error) {
	return encodeUpdate(u)
}

func encodeUpdate(u *Update) ([]byte, error) {
	data, err := encMode.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

func decodeUpdate(data []byte) (*Update, error) {
	var u Update
	if err := decMode.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return &u, nil
}
