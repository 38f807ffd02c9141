package trie

import (
	"bytes"
	"testing"
)

func TestHexToCompact(t *testing.T) {
	tests := []struct {
		hex  []byte
		want []byte
	}{
		{[]byte{1, 2, 3, 4, terminatorByte}, []byte{0x20, 0x12, 0x34}}, // leaf, even
		{[]byte{1, 2, 3, terminatorByte}, []byte{0x31, 0x23}},          // leaf, odd
		{[]byte{1, 2, 3, 4}, []byte{0x00, 0x12, 0x34}},                 // extension, even
		{[]byte{1, 2, 3}, []byte{0x11, 0x23}},                          // extension, odd
		{[]byte{}, []byte{0x00}},
	}
	for _, tt := range tests {
		if got := hexToCompact(tt.hex); !bytes.Equal(got, tt.want) {
			t.Errorf("hexToCompact(%v) = %x, want %x", tt.hex, got, tt.want)
		}
	}
}

func TestCompactToHexRoundtrip(t *testing.T) {
	tests := [][]byte{
		{1, 2, 3, 4, terminatorByte},
		{1, 2, 3, terminatorByte},
		{1, 2, 3, 4},
		{1, 2, 3},
		{0, terminatorByte},
		{0xf, 0xa, 0xb, terminatorByte},
		{},
	}
	for _, hex := range tests {
		if got := compactToHex(hexToCompact(hex)); !bytes.Equal(got, hex) {
			t.Errorf("compactToHex(hexToCompact(%v)) = %v", hex, got)
		}
	}
}

func TestKeybytesHexRoundtrip(t *testing.T) {
	key := []byte{0x12, 0x34, 0x56}
	hex := keybytesToHex(key)
	want := []byte{1, 2, 3, 4, 5, 6, terminatorByte}
	if !bytes.Equal(hex, want) {
		t.Fatalf("keybytesToHex(%x) = %v, want %v", key, hex, want)
	}
	if back := hexToKeybytes(hex); !bytes.Equal(back, key) {
		t.Fatalf("hexToKeybytes(%v) = %x, want %x", hex, back, key)
	}
}

func TestHexToKeybytesOddPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on odd-length key")
		}
	}()
	hexToKeybytes([]byte{1, 2, 3})
}
