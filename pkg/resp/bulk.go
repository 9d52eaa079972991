package resp

import (
	"fmt"
	"strconv"
	"strings"
)

// EOFMarkerLen is the width of the random end-of-payload marker used when
// the payload length is not known up front.
const EOFMarkerLen = 40

const eofPrefix = "$EOF:"

// BulkHeader describes how a bulk payload is delimited.
type BulkHeader struct {
	// Size is the payload length, or -1 when Marker delimits the payload.
	Size   int64
	Marker []byte
}

// ParseBulkHeader parses a "$<len>" or "$EOF:<marker>" line as read by
// Reader.ReadLine.
func ParseBulkHeader(line string) (BulkHeader, error) {
	if strings.HasPrefix(line, eofPrefix) {
		marker := line[len(eofPrefix):]
		if len(marker) != EOFMarkerLen {
			return BulkHeader{}, fmt.Errorf("%w: EOF marker has length %d", ErrProtocol, len(marker))
		}
		return BulkHeader{Size: -1, Marker: []byte(marker)}, nil
	}
	if len(line) < 2 || line[0] != '$' {
		return BulkHeader{}, fmt.Errorf("%w: bad bulk header %q", ErrProtocol, line)
	}
	n, err := strconv.ParseInt(line[1:], 10, 64)
	if err != nil || n < 0 {
		return BulkHeader{}, fmt.Errorf("%w: bad bulk length %q", ErrProtocol, line[1:])
	}
	return BulkHeader{Size: n}, nil
}

// FormatBulkHeader renders the header line for a payload, including CRLF.
func FormatBulkHeader(h BulkHeader) []byte {
	if h.Marker != nil {
		return []byte(eofPrefix + string(h.Marker) + "\r\n")
	}
	return []byte("$" + strconv.FormatInt(h.Size, 10) + "\r\n")
}
