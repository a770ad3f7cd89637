package cdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Writer builds a CDB file incrementally, in the same two-pass shape as
// the reference cdbmake tool: records are appended as they are added,
// then a 256-bucket hash table is written after them once Close is
// called.
type Writer struct {
	f   *os.File
	buf *bufio.Writer
	pos uint32

	entries []writerEntry
}

type writerEntry struct {
	hash uint32
	pos  uint32
}

// Create creates path and returns a Writer positioned past the (not yet
// known) 2048-byte header, which is backfilled on Close.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{f: f, buf: bufio.NewWriter(f), pos: headerSize}, nil
}

// Put appends one key/value record.
func (w *Writer) Put(key, value []byte) error {
	var lens [8]byte
	binary.LittleEndian.PutUint32(lens[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(lens[4:8], uint32(len(value)))

	recordPos := w.pos
	if _, err := w.buf.Write(lens[:]); err != nil {
		return err
	}
	if _, err := w.buf.Write(key); err != nil {
		return err
	}
	if _, err := w.buf.Write(value); err != nil {
		return err
	}
	w.pos += 8 + uint32(len(key)) + uint32(len(value))

	w.entries = append(w.entries, writerEntry{hash: hash(key), pos: recordPos})
	return nil
}

// Close writes the per-bucket hash tables and the 2048-byte header, then
// closes the underlying file.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return err
	}

	buckets := make([][]writerEntry, headerSlots)
	for _, e := range w.entries {
		b := e.hash & 0xff
		buckets[b] = append(buckets[b], e)
	}

	var header [headerSize]byte
	pos := w.pos

	for i := 0; i < headerSlots; i++ {
		entries := buckets[i]
		n := len(entries)
		if n == 0 {
			continue
		}
		slots := n * 2
		table := make([]writerEntry, slots)
		for _, e := range entries {
			start := int((e.hash >> 8) % uint32(slots))
			for j := 0; j < slots; j++ {
				idx := (start + j) % slots
				if table[idx].pos == 0 {
					table[idx] = e
					break
				}
			}
		}

		binary.LittleEndian.PutUint32(header[i*8:i*8+4], pos)
		binary.LittleEndian.PutUint32(header[i*8+4:i*8+8], uint32(slots))

		var rec [8]byte
		for _, e := range table {
			binary.LittleEndian.PutUint32(rec[0:4], e.hash)
			binary.LittleEndian.PutUint32(rec[4:8], e.pos)
			if _, err := w.f.Write(rec[:]); err != nil {
				w.f.Close()
				return err
			}
			pos += 8
		}
	}

	if _, err := w.f.WriteAt(header[:], 0); err != nil {
		w.f.Close()
		return fmt.Errorf("cdb: writing header: %w", err)
	}
	return w.f.Close()
}
