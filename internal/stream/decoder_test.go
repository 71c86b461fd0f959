package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, d *Decoder) []Result {
	t.Helper()
	var out []Result
	for res := range d.Fragments(context.Background()) {
		out = append(out, res)
	}
	return out
}

func TestFragmentsReassembleText(t *testing.T) {
	body := "{\"response\":\"Hel\"}\n{\"response\":\"lo\"}\n{\"done\":true}\n"
	results := collect(t, NewDecoder(strings.NewReader(body)))

	require.Len(t, results, 3)
	var text strings.Builder
	for _, r := range results {
		require.True(t, r.OK())
		text.WriteString(r.Fragment.Text())
	}
	assert.Equal(t, "Hello", text.String())
	assert.True(t, results[2].Fragment.Done)
}

func TestFragmentsSkipBlankLines(t *testing.T) {
	body := "\n  \n{\"response\":\"a\"}\r\n\n{\"response\":\"b\"}"
	d := NewDecoder(strings.NewReader(body))
	results := collect(t, d)

	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Fragment.Text())
	assert.Equal(t, "b", results[1].Fragment.Text(), "last line without newline still parses")
	assert.NoError(t, d.Err())
}

func TestFragmentsReportMalformedLines(t *testing.T) {
	body := "{\"response\":\"one \"}\n{oops\n{\"response\":\"two\"}\n"
	results := collect(t, NewDecoder(strings.NewReader(body)))

	require.Len(t, results, 3)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.True(t, results[2].OK())

	var perr *ParseError
	require.ErrorAs(t, results[1].Err, &perr)
	assert.Equal(t, "{oops", perr.Line)
}

func TestFragmentsAcrossSmallReads(t *testing.T) {
	body := "{\"description\":\"a red\"}\n{\"description\":\" apple\"}\n"
	results := collect(t, NewDecoder(iotest.OneByteReader(strings.NewReader(body))))

	require.Len(t, results, 2)
	assert.Equal(t, "a red", results[0].Fragment.Text())
	assert.Equal(t, " apple", results[1].Fragment.Text())
}

func TestFragmentsStopOnReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("{\"response\":\"partial\"}\n"), iotest.ErrReader(boom))
	d := NewDecoder(r)

	results := collect(t, d)
	require.Len(t, results, 1)
	assert.Equal(t, "partial", results[0].Fragment.Text())
	assert.ErrorIs(t, d.Err(), boom)
}

func TestFragmentsStopOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDecoder(strings.NewReader("{\"response\":\"a\"}\n{\"response\":\"b\"}\n"))

	var got []string
	for res := range d.Fragments(ctx) {
		got = append(got, res.Fragment.Text())
		cancel()
	}
	assert.Equal(t, []string{"a"}, got)
	assert.ErrorIs(t, d.Err(), context.Canceled)
}

func TestNextEOF(t *testing.T) {
	d := NewDecoder(strings.NewReader(""))
	_, err := d.Next()
	assert.ErrorIs(t, err, io.EOF)
}
