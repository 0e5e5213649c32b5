package utcp

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// issSource derives initial send sequence numbers in the manner of RFC 6528:
// a keyed hash over the port pair plus a per-mux secret, so that reopened
// connections to the same endpoint do not land near their predecessor's
// sequence space. The counter decorrelates successive opens on one tuple.
type issSource struct {
	secret  [32]byte
	counter uint32
}

func (s *issSource) init() error {
	_, err := rand.Read(s.secret[:])
	return err
}

// next returns the initial sequence number for a connection (src, dst).
func (s *issSource) next(src, dst uint16) Value {
	s.counter++
	var tuple [8]byte
	binary.LittleEndian.PutUint16(tuple[0:2], src)
	binary.LittleEndian.PutUint16(tuple[2:4], dst)
	binary.LittleEndian.PutUint32(tuple[4:8], s.counter)
	h, err := blake2b.New256(s.secret[:])
	if err != nil {
		panic("utcp: blake2b key size")
	}
	h.Write(tuple[:])
	var sum [blake2b.Size256]byte
	return Value(binary.LittleEndian.Uint32(h.Sum(sum[:0])))
}

// portSeed returns a non-zero xorshift seed for ephemeral port probing,
// derived from the mux secret.
func (s *issSource) portSeed() uint16 {
	seed := binary.LittleEndian.Uint16(s.secret[0:2])
	if seed == 0 {
		seed = 0x6a09 // arbitrary non-zero; xorshift has a fixed point at 0
	}
	return seed
}
