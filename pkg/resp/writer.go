package resp

import (
	"bufio"
	"io"
	"strconv"
)

// Writer encodes replies and commands onto a buffered stream.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter returns a Writer with a 16 KiB buffer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, 16<<10)}
}

// WriteSimple writes a "+" status reply.
func (w *Writer) WriteSimple(s string) error {
	return w.writeLine('+', s)
}

// WriteError writes a "-" error reply.
func (w *Writer) WriteError(s string) error {
	return w.writeLine('-', s)
}

// WriteInt writes an integer reply.
func (w *Writer) WriteInt(n int64) error {
	return w.writeLine(':', strconv.FormatInt(n, 10))
}

// WriteNull writes a null bulk reply.
func (w *Writer) WriteNull() error {
	_, err := w.bw.WriteString("$-1\r\n")
	return err
}

// WriteBulk writes a length-prefixed bulk string.
func (w *Writer) WriteBulk(b []byte) error {
	if err := w.writeLine('$', strconv.Itoa(len(b))); err != nil {
		return err
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	_, err := w.bw.Write(crlf)
	return err
}

// WriteBulkString writes s as a bulk string.
func (w *Writer) WriteBulkString(s string) error {
	return w.WriteBulk([]byte(s))
}

// WriteArrayHeader writes the "*<n>" header of an array reply.
func (w *Writer) WriteArrayHeader(n int) error {
	return w.writeLine('*', strconv.Itoa(n))
}

// WriteCommand writes args as a multi-bulk command.
func (w *Writer) WriteCommand(args ...string) error {
	if err := w.WriteArrayHeader(len(args)); err != nil {
		return err
	}
	for _, a := range args {
		if err := w.WriteBulkString(a); err != nil {
			return err
		}
	}
	return nil
}

// WriteValue writes an arbitrary reply value.
func (w *Writer) WriteValue(v Value) error {
	switch v.Kind {
	case SimpleString:
		return w.WriteSimple(v.Str)
	case Error:
		return w.WriteError(v.Str)
	case Integer:
		return w.WriteInt(v.Int)
	case BulkString:
		return w.WriteBulk(v.Bulk)
	case Array:
		if err := w.WriteArrayHeader(len(v.Array)); err != nil {
			return err
		}
		for _, item := range v.Array {
			if err := w.WriteValue(item); err != nil {
				return err
			}
		}
		return nil
	default:
		return w.WriteNull()
	}
}

// Flush flushes buffered output to the underlying writer.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

func (w *Writer) writeLine(prefix byte, s string) error {
	if err := w.bw.WriteByte(prefix); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(s); err != nil {
		return err
	}
	_, err := w.bw.Write(crlf)
	return err
}
