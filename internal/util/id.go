package util

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// collaboratorColors is the palette cursors and presence badges are drawn
// from. Picked to stay legible on both light and dark themes.
var collaboratorColors = []string{
	"#f94144", "#f3722c", "#f8961e", "#f9c74f",
	"#90be6d", "#43aa8b", "#577590", "#9d4edd",
}

// PickColor assigns a random collaborator color.
func PickColor() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return collaboratorColors[binary.LittleEndian.Uint64(b[:])%uint64(len(collaboratorColors))]
}
