// Package cdb implements a minimal reader (this file) and writer
// (writer.go) for D. J. Bernstein's constant database format, used by the
// user database (spec §6: "users/cdb maps a domain to a record"). No dependency in the retrieval pack or
// the wider Go ecosystem surveyed for this module implements CDB, so this
// is one of the few places SPEC_FULL.md accepts a standard-library-only
// implementation: the format is a fixed, well-documented byte layout
// (256 fixed-size header slots plus linear-probed per-key subtables),
// small enough that reimplementing it directly against io.ReaderAt is
// more honest than reaching for an unrelated library.
package cdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	headerSlots = 256
	headerSize  = headerSlots * 8
)

// CDB is an open, read-only constant database.
type CDB struct {
	r    io.ReaderAt
	header [headerSlots]tableEntry
}

type tableEntry struct {
	pos, numSlots uint32
}

// Open reads the fixed 2048-byte header of the CDB file at path. The
// rest of the file is read lazily on Get.
func Open(path string) (*CDB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return newFromReaderAt(f)
}

func newFromReaderAt(r io.ReaderAt) (*CDB, error) {
	var buf [headerSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return nil, fmt.Errorf("cdb: reading header: %w", err)
	}
	c := &CDB{r: r}
	for i := 0; i < headerSlots; i++ {
		off := i * 8
		c.header[i] = tableEntry{
			pos:       binary.LittleEndian.Uint32(buf[off : off+4]),
			numSlots:  binary.LittleEndian.Uint32(buf[off+4 : off+8]),
		}
	}
	return c, nil
}

// Close releases the underlying file, if CDB was opened via Open.
func (c *CDB) Close() error {
	if f, ok := c.r.(*os.File); ok {
		return f.Close()
	}
	return nil
}

// hash implements the cdb hash function: h=5381; h = ((h<<5)+h) xor c for
// each input byte (i.e. h*33 xor c), truncated to 32 bits.
func hash(key []byte) uint32 {
	var h uint32 = 5381
	for _, c := range key {
		h = ((h << 5) + h) ^ uint32(c)
	}
	return h
}

// Get looks up key and returns its value, or ok=false if absent.
func (c *CDB) Get(key []byte) (value []byte, ok bool, err error) {
	h := hash(key)
	slot := c.header[h&0xff]
	if slot.numSlots == 0 {
		return nil, false, nil
	}

	start := (h >> 8) % slot.numSlots
	var probe [8]byte

	for i := uint32(0); i < slot.numSlots; i++ {
		idx := (start + i) % slot.numSlots
		entryOff := int64(slot.pos) + int64(idx)*8
		if _, err := c.r.ReadAt(probe[:], entryOff); err != nil {
			return nil, false, fmt.Errorf("cdb: reading hash slot: %w", err)
		}
		entryHash := binary.LittleEndian.Uint32(probe[0:4])
		recordPos := binary.LittleEndian.Uint32(probe[4:8])
		if recordPos == 0 {
			return nil, false, nil // empty slot: key not present.
		}
		if entryHash != h {
			continue
		}

		var lens [8]byte
		if _, err := c.r.ReadAt(lens[:], int64(recordPos)); err != nil {
			return nil, false, fmt.Errorf("cdb: reading record header: %w", err)
		}
		klen := binary.LittleEndian.Uint32(lens[0:4])
		dlen := binary.LittleEndian.Uint32(lens[4:8])

		if int(klen) != len(key) {
			continue
		}
		gotKey := make([]byte, klen)
		if _, err := c.r.ReadAt(gotKey, int64(recordPos)+8); err != nil {
			return nil, false, fmt.Errorf("cdb: reading record key: %w", err)
		}
		if string(gotKey) != string(key) {
			continue
		}

		data := make([]byte, dlen)
		if _, err := c.r.ReadAt(data, int64(recordPos)+8+int64(klen)); err != nil {
			return nil, false, fmt.Errorf("cdb: reading record value: %w", err)
		}
		return data, true, nil
	}
	return nil, false, nil
}
