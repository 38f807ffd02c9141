package trie

// Nibble keys come in three forms:
//
//   - keybytes: the raw key, as handed to the trie by callers.
//   - hex: one byte per nibble, with an optional terminator (16) marking a
//     leaf key. Node paths are built from these.
//   - compact: the hex-prefix encoding stored inside short nodes and sent on
//     the wire. The high nibble of the first byte carries the leaf flag
//     (0x20) and the odd-length flag (0x10).

const terminatorByte = 16

// hexToCompact converts a hex nibble sequence, terminator included if
// present, to its compact encoding.
func hexToCompact(hex []byte) []byte {
	terminator := byte(0)
	if hasTerm(hex) {
		terminator = 1
		hex = hex[:len(hex)-1]
	}
	buf := make([]byte, len(hex)/2+1)
	buf[0] = terminator << 5
	if len(hex)&1 == 1 {
		buf[0] |= 1 << 4
		buf[0] |= hex[0]
		hex = hex[1:]
	}
	decodeNibbles(hex, buf[1:])
	return buf
}

// compactToHex reverses hexToCompact. Leaf keys come back with the
// terminator appended.
func compactToHex(compact []byte) []byte {
	if len(compact) == 0 {
		return compact
	}
	base := keybytesToHex(compact)
	base = base[:len(base)-1]
	// Even length keys carry a padding nibble after the flags.
	chop := 2 - base[0]&1
	if base[0]&2 != 0 {
		result := make([]byte, len(base)-int(chop)+1)
		copy(result, base[chop:])
		result[len(result)-1] = terminatorByte
		return result
	}
	return base[chop:]
}

// keybytesToHex expands a raw key to nibbles and appends the terminator.
func keybytesToHex(str []byte) []byte {
	l := len(str)*2 + 1
	nibbles := make([]byte, l)
	for i, b := range str {
		nibbles[i*2] = b / 16
		nibbles[i*2+1] = b % 16
	}
	nibbles[l-1] = terminatorByte
	return nibbles
}

// hexToKeybytes packs an even-length nibble sequence back into bytes. A
// trailing terminator is ignored.
func hexToKeybytes(hex []byte) []byte {
	if hasTerm(hex) {
		hex = hex[:len(hex)-1]
	}
	if len(hex)&1 != 0 {
		panic("hexToKeybytes: odd length hex key")
	}
	key := make([]byte, len(hex)/2)
	decodeNibbles(hex, key)
	return key
}

func decodeNibbles(nibbles []byte, bytes []byte) {
	for bi, ni := 0, 0; ni < len(nibbles); bi, ni = bi+1, ni+2 {
		bytes[bi] = nibbles[ni]<<4 | nibbles[ni+1]
	}
}

func hasTerm(s []byte) bool {
	return len(s) > 0 && s[len(s)-1] == terminatorByte
}
