package resp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// Reader decodes protocol frames and counts every byte it consumes.
type Reader struct {
	br       *bufio.Reader
	consumed int64

	recording bool
	rec       []byte
}

// NewReader returns a Reader with a 16 KiB buffer.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 16<<10)}
}

// Consumed returns the total number of bytes consumed so far.
func (r *Reader) Consumed() int64 {
	return r.consumed
}

// Buffered returns the number of bytes read from the source but not yet consumed.
func (r *Reader) Buffered() int {
	return r.br.Buffered()
}

// Read implements io.Reader over the remaining bytes.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.br.Read(p)
	r.consumed += int64(n)
	return n, err
}

// ReadLine reads one line and returns it without the trailing CRLF or LF.
func (r *Reader) ReadLine() (string, error) {
	line, err := r.readLine()
	if err != nil {
		return "", err
	}
	return string(line), nil
}

func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		r.consumed += int64(len(chunk))
		r.record(chunk)
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			if len(line) > MaxInlineLen {
				return nil, fmt.Errorf("%w: line too long", ErrProtocol)
			}
			continue
		}
		return nil, err
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// ReadCommand reads a client command in multi-bulk or inline form. A bare
// newline yields an empty, non-nil argument list.
func (r *Reader) ReadCommand() ([][]byte, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return [][]byte{}, nil
	}
	if line[0] != '*' {
		return bytes.Fields(line), nil
	}

	n, err := parseLen(line[1:], MaxArrayLen)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return [][]byte{}, nil
	}

	args := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if len(hdr) == 0 || hdr[0] != '$' {
			return nil, fmt.Errorf("%w: expected '$', got %q", ErrProtocol, hdr)
		}
		size, err := parseLen(hdr[1:], MaxBulkLen)
		if err != nil {
			return nil, err
		}
		if size < 0 {
			return nil, fmt.Errorf("%w: null bulk in command", ErrProtocol)
		}
		arg, err := r.readBulkBody(size)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

// ReadCommandRaw is ReadCommand that also returns the exact bytes the
// command occupied on the wire. The raw slice is owned by the caller.
func (r *Reader) ReadCommandRaw() ([][]byte, []byte, error) {
	r.recording = true
	r.rec = r.rec[:0]
	args, err := r.ReadCommand()
	r.recording = false
	if err != nil {
		return nil, nil, err
	}
	raw := make([]byte, len(r.rec))
	copy(raw, r.rec)
	return args, raw, nil
}

func (r *Reader) record(p []byte) {
	if r.recording {
		r.rec = append(r.rec, p...)
	}
}

// ReadReply reads one reply value.
func (r *Reader) ReadReply() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}
	if len(line) == 0 {
		return Value{}, fmt.Errorf("%w: empty reply line", ErrProtocol)
	}

	switch Kind(line[0]) {
	case SimpleString, Error:
		return Value{Kind: Kind(line[0]), Str: string(line[1:])}, nil
	case Integer:
		n, err := strconv.ParseInt(string(line[1:]), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: bad integer %q", ErrProtocol, line[1:])
		}
		return Value{Kind: Integer, Int: n}, nil
	case BulkString:
		size, err := parseLen(line[1:], MaxBulkLen)
		if err != nil {
			return Value{}, err
		}
		if size < 0 {
			return Value{Kind: Null}, nil
		}
		body, err := r.readBulkBody(size)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: BulkString, Bulk: body}, nil
	case Array:
		n, err := parseLen(line[1:], MaxArrayLen)
		if err != nil {
			return Value{}, err
		}
		if n < 0 {
			return Value{Kind: Null}, nil
		}
		items := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			v, err := r.ReadReply()
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return Value{Kind: Array, Array: items}, nil
	default:
		return Value{}, fmt.Errorf("%w: unexpected reply type %q", ErrProtocol, line[0])
	}
}

func (r *Reader) readBulkBody(size int) ([]byte, error) {
	body := make([]byte, size+2)
	n, err := io.ReadFull(r.br, body)
	r.consumed += int64(n)
	r.record(body[:n])
	if err != nil {
		return nil, err
	}
	if body[size] != '\r' || body[size+1] != '\n' {
		return nil, fmt.Errorf("%w: bulk not terminated by CRLF", ErrProtocol)
	}
	return body[:size], nil
}

func parseLen(b []byte, max int) (int, error) {
	if len(b) == 0 || len(b) > maxIntegerBytes {
		return 0, fmt.Errorf("%w: bad length %q", ErrProtocol, b)
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, fmt.Errorf("%w: bad length %q", ErrProtocol, b)
	}
	if n > max {
		return 0, fmt.Errorf("%w: length %d exceeds limit %d", ErrProtocol, n, max)
	}
	if n < -1 {
		return 0, fmt.Errorf("%w: negative length %d", ErrProtocol, n)
	}
	return n, nil
}
