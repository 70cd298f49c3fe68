// Package cowfile implements the COW Manager: the block-addressed mapping
// store backed by a single file, with a bounded in-memory section cache
// and deterministic eviction (spec.md §4.2). The on-disk layout and
// marshal style are grounded on the teacher's internal/uapi wire structs
// (manual binary.LittleEndian field packing) and on zchee/go-qcow2's
// header.go, which lays out a comparable magic+flags+offsets image header.
package cowfile

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	// Magic is the COW file's compatibility anchor (spec.md §3, §6).
	Magic uint32 = 4776

	// HeaderSize is the fixed size of the header region at file offset 0.
	HeaderSize = 4096

	// BlockSize is the fixed COW accounting granularity.
	BlockSize = 4096

	// SectorSize is the device sector size; COW writes are expanded out to
	// BlockSize boundaries before any mapping operation sees them.
	SectorSize = 512

	// SectionSize is the number of 64-bit mapping entries per section.
	SectionSize = 4096

	// MappingEntrySize is sizeof(uint64) on disk.
	MappingEntrySize = 8

	// MaxClonesPerBio caps the number of read clones snap_trace will
	// allocate for a single write (spec.md §4.1).
	MaxClonesPerBio = 10
)

// Header flag bits.
const (
	FlagClean        uint32 = 1 << 0
	FlagIndexOnly    uint32 = 1 << 1
	FlagVmallocUpper uint32 = 1 << 2 // in-memory only; reset on open
)

// Header is the bit-exact COW file header occupying bytes [0, 4096).
type Header struct {
	Magic           uint32
	Flags           uint32
	FilePos         uint64 // next free data block index, in 4096-byte blocks
	FileMax         uint64 // allocation ceiling in bytes
	Seqid           uint64 // 1-based snapshot generation
	UUID            [16]byte
	Version         uint64
	NrChangedBlocks uint64
}

// NewUUID generates a fresh chain UUID using google/uuid, grounded on the
// spec's "randomly generated on new chain" requirement (spec.md §3).
func NewUUID() [16]byte {
	var out [16]byte
	id := uuid.New()
	copy(out[:], id[:])
	return out
}

// Marshal packs the header into its on-disk 4096-byte little-endian form.
func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], h.FilePos)
	binary.LittleEndian.PutUint64(buf[16:24], h.FileMax)
	binary.LittleEndian.PutUint64(buf[24:32], h.Seqid)
	copy(buf[32:48], h.UUID[:])
	binary.LittleEndian.PutUint64(buf[48:56], h.Version)
	binary.LittleEndian.PutUint64(buf[56:64], h.NrChangedBlocks)
	return buf
}

// UnmarshalHeader reads a Header back from its on-disk form.
func UnmarshalHeader(buf []byte) (*Header, error) {
	if len(buf) < 64 {
		return nil, fmt.Errorf("cowfile: short header (%d bytes)", len(buf))
	}
	h := &Header{
		Magic:           binary.LittleEndian.Uint32(buf[0:4]),
		Flags:           binary.LittleEndian.Uint32(buf[4:8]),
		FilePos:         binary.LittleEndian.Uint64(buf[8:16]),
		FileMax:         binary.LittleEndian.Uint64(buf[16:24]),
		Seqid:           binary.LittleEndian.Uint64(buf[24:32]),
		Version:         binary.LittleEndian.Uint64(buf[48:56]),
		NrChangedBlocks: binary.LittleEndian.Uint64(buf[56:64]),
	}
	copy(h.UUID[:], buf[32:48])
	return h, nil
}

func (h *Header) clean() bool     { return h.Flags&FlagClean != 0 }
func (h *Header) indexOnly() bool { return h.Flags&FlagIndexOnly != 0 }
