package snapshot

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"

	"github.com/oferchen/arena/internal/world"
)

// Checksum hashes the entity content of a frame (the tick is excluded) with
// 64-bit murmur3 over a canonical, id-ordered encoding.
func Checksum(f world.Frame) uint64 {
	h := murmur3.New64()
	var scratch [8]byte
	for _, e := range f.Entities {
		binary.LittleEndian.PutUint32(scratch[:4], uint32(e.ID))
		binary.LittleEndian.PutUint32(scratch[4:8], uint32(len(e.Components)))
		h.Write(scratch[:8])
		for _, c := range e.Components {
			binary.LittleEndian.PutUint16(scratch[:2], uint16(c.ID))
			binary.LittleEndian.PutUint32(scratch[2:6], uint32(len(c.Data)))
			h.Write(scratch[:6])
			h.Write(c.Data)
		}
	}
	sum := h.Sum64()
	if sum == 0 {
		// zero means "not checked" on the wire
		sum = 1
	}
	return sum
}
