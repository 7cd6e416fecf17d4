package crypto

import (
	"encoding/binary"
	"encoding/json"
	"math"
)

// CanonicalJSON marshals v with sorted map keys so the same logical payload
// always hashes to the same bytes. encoding/json already sorts map[string]any
// keys; this wrapper exists so call sites never have to remember that.
func CanonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// LE64 encodes n as 8 little-endian bytes, used for the pulse hash chain's
// counter field per the wire format in spec.md §3.
func LE64(n uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n)
	return b[:]
}

// BE64 encodes n as 8 big-endian bytes, used for the heartbeat signed-bytes
// layout (slot number and sequence) per spec.md §6.
func BE64(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// F64BE encodes f as its IEEE-754 bit pattern in 8 big-endian bytes.
func F64BE(f float64) []byte {
	return BE64(math.Float64bits(f))
}
