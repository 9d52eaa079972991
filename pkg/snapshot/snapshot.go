// Package snapshot encodes a point-in-time copy of the keyspace.
//
// Layout:
//
//	[Magic:9 "CLUSOSNAP"][Version:2]
//	repeated blocks: [BlockLen:4][Block:N][Checksum:4]
//	terminator:      [BlockLen:4 = 0][Records:8]
//
// Each block is a snappy-compressed run of msgpack records; the checksum
// is the CRC32 (IEEE) of the compressed block. All integers are big endian.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack"
)

const (
	// Magic opens every snapshot.
	Magic = "CLUSOSNAP"
	// Version is the current format version.
	Version uint16 = 1

	blockTarget  = 64 << 10
	maxBlockSize = 64 << 20
)

var (
	ErrBadMagic    = errors.New("snapshot: bad magic")
	ErrBadVersion  = errors.New("snapshot: unsupported version")
	ErrChecksum    = errors.New("snapshot: checksum mismatch")
	ErrCorrupt     = errors.New("snapshot: corrupt data")
	ErrWriterClose = errors.New("snapshot: writer closed")
)

// RecordType distinguishes keys from stored scripts.
type RecordType uint8

const (
	RecordKey RecordType = iota + 1
	RecordScript
	// RecordAux carries snapshot metadata as a Key/Value pair.
	RecordAux
)

// AuxStreamDB names the aux record holding the database the replication
// stream has selected at the snapshot's offset.
const AuxStreamDB = "repl-stream-db"

// Record is one entry of a snapshot.
type Record struct {
	Type  RecordType `msgpack:"t"`
	DB    int        `msgpack:"d"`
	Key   string     `msgpack:"k"`
	Value []byte     `msgpack:"v"`
}

// Writer streams records into a snapshot.
type Writer struct {
	w       *bufio.Writer
	block   bytes.Buffer
	enc     *msgpack.Encoder
	records uint64
	written int64
	closed  bool
}

// NewWriter writes the snapshot header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	sw := &Writer{w: bufio.NewWriterSize(w, 64<<10)}
	sw.enc = msgpack.NewEncoder(&sw.block)

	if _, err := sw.w.WriteString(Magic); err != nil {
		return nil, err
	}
	if err := binary.Write(sw.w, binary.BigEndian, Version); err != nil {
		return nil, err
	}
	sw.written = int64(len(Magic) + 2)
	return sw, nil
}

// Write appends a record.
func (w *Writer) Write(rec Record) error {
	if w.closed {
		return ErrWriterClose
	}
	if err := w.enc.Encode(&rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	w.records++
	if w.block.Len() >= blockTarget {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.block.Len() == 0 {
		return nil
	}
	compressed := snappy.Encode(nil, w.block.Bytes())
	w.block.Reset()

	if err := binary.Write(w.w, binary.BigEndian, uint32(len(compressed))); err != nil {
		return err
	}
	if _, err := w.w.Write(compressed); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.BigEndian, crc32.ChecksumIEEE(compressed)); err != nil {
		return err
	}
	w.written += int64(4 + len(compressed) + 4)
	return nil
}

// Close writes the last block and the terminator and flushes.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushBlock(); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.BigEndian, uint32(0)); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.BigEndian, w.records); err != nil {
		return err
	}
	w.written += 12
	return w.w.Flush()
}

// Written returns the number of bytes produced so far.
func (w *Writer) Written() int64 {
	return w.written
}

// Reader decodes a snapshot record by record.
type Reader struct {
	r       io.Reader
	dec     *msgpack.Decoder
	block   *bytes.Reader
	records uint64
	done    bool
}

// NewReader validates the header read from r.
func NewReader(r io.Reader) (*Reader, error) {
	header := make([]byte, len(Magic)+2)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if string(header[:len(Magic)]) != Magic {
		return nil, ErrBadMagic
	}
	if v := binary.BigEndian.Uint16(header[len(Magic):]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	return &Reader{r: r}, nil
}

// Next returns the next record, or io.EOF after the terminator has been
// read and the record count verified.
func (r *Reader) Next() (Record, error) {
	for {
		if r.done {
			return Record{}, io.EOF
		}
		if r.block != nil && r.block.Len() > 0 {
			var rec Record
			if err := r.dec.Decode(&rec); err != nil {
				return Record{}, fmt.Errorf("%w: decode record: %v", ErrCorrupt, err)
			}
			r.records++
			return rec, nil
		}
		if err := r.nextBlock(); err != nil {
			return Record{}, err
		}
	}
}

func (r *Reader) nextBlock() error {
	var size uint32
	if err := binary.Read(r.r, binary.BigEndian, &size); err != nil {
		return fmt.Errorf("read block length: %w", unexpected(err))
	}
	if size == 0 {
		var count uint64
		if err := binary.Read(r.r, binary.BigEndian, &count); err != nil {
			return fmt.Errorf("read terminator: %w", unexpected(err))
		}
		if count != r.records {
			return fmt.Errorf("%w: expected %d records, read %d", ErrCorrupt, count, r.records)
		}
		r.done = true
		return nil
	}
	if size > maxBlockSize {
		return fmt.Errorf("%w: block of %d bytes", ErrCorrupt, size)
	}

	compressed := make([]byte, size)
	if _, err := io.ReadFull(r.r, compressed); err != nil {
		return fmt.Errorf("read block: %w", unexpected(err))
	}
	var checksum uint32
	if err := binary.Read(r.r, binary.BigEndian, &checksum); err != nil {
		return fmt.Errorf("read checksum: %w", unexpected(err))
	}
	if crc32.ChecksumIEEE(compressed) != checksum {
		return ErrChecksum
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	r.block = bytes.NewReader(data)
	r.dec = msgpack.NewDecoder(r.block)
	return nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ReadAll decodes every record of a snapshot.
func ReadAll(r io.Reader) ([]Record, error) {
	sr, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	var out []Record
	for {
		rec, err := sr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}
