// Package resp implements the line-oriented, length-prefixed wire protocol
// spoken between clients, masters and replicas.
//
// The Reader keeps an exact count of consumed bytes so that a replica can
// advance its replication offset by the precise length of every command it
// applies.
package resp

import (
	"errors"
	"strconv"
)

// Limits applied while parsing untrusted input.
const (
	MaxBulkLen      = 512 << 20
	MaxArrayLen     = 1 << 20
	MaxInlineLen    = 64 << 10
	maxIntegerBytes = 20
)

var (
	// ErrProtocol is returned for malformed input.
	ErrProtocol = errors.New("resp: protocol error")

	crlf = []byte("\r\n")
)

// Kind identifies the type of a reply value.
type Kind byte

const (
	SimpleString Kind = '+'
	Error        Kind = '-'
	Integer      Kind = ':'
	BulkString   Kind = '$'
	Array        Kind = '*'
	Null         Kind = '_'
)

// Value is a decoded reply.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Bulk  []byte
	Array []Value
}

// Text returns the textual payload of simple strings, errors and bulk strings.
func (v Value) Text() string {
	switch v.Kind {
	case BulkString:
		return string(v.Bulk)
	case Integer:
		return strconv.FormatInt(v.Int, 10)
	default:
		return v.Str
	}
}

// IsError reports whether the value is an error reply.
func (v Value) IsError() bool {
	return v.Kind == Error
}

// EncodeCommand encodes args as a multi-bulk array, the format used for
// every directive in the replication stream.
func EncodeCommand(args ...[]byte) []byte {
	size := 1 + 20 + 2
	for _, a := range args {
		size += 1 + 20 + 2 + len(a) + 2
	}
	buf := make([]byte, 0, size)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, crlf...)
	for _, a := range args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(a)), 10)
		buf = append(buf, crlf...)
		buf = append(buf, a...)
		buf = append(buf, crlf...)
	}
	return buf
}

// EncodeCommandStrings is EncodeCommand for string arguments.
func EncodeCommandStrings(args ...string) []byte {
	b := make([][]byte, len(args))
	for i, a := range args {
		b[i] = []byte(a)
	}
	return EncodeCommand(b...)
}

// Args converts strings to the [][]byte form used by command handlers.
func Args(args ...string) [][]byte {
	b := make([][]byte, len(args))
	for i, a := range args {
		b[i] = []byte(a)
	}
	return b
}
