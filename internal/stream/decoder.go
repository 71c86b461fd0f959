// Package stream decodes newline-delimited JSON response bodies into
// fragments, one result per non-blank line.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"VLabAssist/internal/backend"
)

// ParseError reports a line that was not valid JSON
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed fragment %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Result is the outcome of decoding one line. Err is a *ParseError when the
// line could not be parsed; Fragment is only meaningful when Err is nil.
type Result struct {
	Fragment backend.Fragment
	Line     string
	Err      error
}

// OK reports whether the line parsed
func (r Result) OK() bool {
	return r.Err == nil
}

// Decoder reads fragments from a streamed body. Lines may span several
// underlying reads; they are reassembled before parsing.
type Decoder struct {
	reader *bufio.Reader
	err    error
}

// NewDecoder creates a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// Next returns the next non-blank line's result. It returns io.EOF once the
// stream is exhausted and any other error when reading fails.
func (d *Decoder) Next() (Result, error) {
	for {
		line, err := d.reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Result{}, err
		}
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return Result{}, io.EOF
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			if errors.Is(err, io.EOF) {
				return Result{}, io.EOF
			}
			continue
		}

		res := Result{Line: string(trimmed)}
		if perr := json.Unmarshal(trimmed, &res.Fragment); perr != nil {
			res.Fragment = backend.Fragment{}
			res.Err = &ParseError{Line: res.Line, Err: perr}
		}
		return res, nil
	}
}

// Fragments yields results lazily until the stream ends, a read fails or ctx
// is cancelled. A read failure or cancellation is available from Err.
func (d *Decoder) Fragments(ctx context.Context) iter.Seq[Result] {
	return func(yield func(Result) bool) {
		for {
			if err := ctx.Err(); err != nil {
				d.err = err
				return
			}
			res, err := d.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					d.err = err
				}
				return
			}
			if !yield(res) {
				return
			}
		}
	}
}

// Err returns the error that ended Fragments early, or nil at a clean end
func (d *Decoder) Err() error {
	return d.err
}
