package replication

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizedReader(t *testing.T) {
	r := &sizedReader{r: strings.NewReader("hello world"), remaining: 5}
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	short := &sizedReader{r: strings.NewReader("abc"), remaining: 10}
	_, err = io.ReadAll(short)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEOFReader_StripsMarker(t *testing.T) {
	marker := []byte(strings.Repeat("m", 40))
	src := io.MultiReader(strings.NewReader("payload"), bytes.NewReader(marker), strings.NewReader("+next"))
	r := newEOFReader(iotest.OneByteReader(src), marker)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestEOFReader_MissingMarker(t *testing.T) {
	marker := []byte(strings.Repeat("m", 40))
	r := newEOFReader(strings.NewReader("payload without terminator"), marker)
	_, err := io.ReadAll(r)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEOFReader_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	marker := newEOFMarker()

	properties.Property("payload is returned intact regardless of chunking", prop.ForAll(
		func(payload []byte, chunk int) bool {
			if bytes.Contains(payload, marker) {
				return true
			}
			src := io.MultiReader(bytes.NewReader(payload), bytes.NewReader(marker))
			got, err := io.ReadAll(newEOFReader(&chunkedReader{r: src, n: chunk}, marker))
			return err == nil && bytes.Equal(got, payload)
		},
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

type chunkedReader struct {
	r io.Reader
	n int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}
