// Package ndjson decodes newline-delimited JSON streams that arrive as arbitrary byte chunks.
package ndjson

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
)

// DefaultChunkSize is the read buffer used by Read when no size is given.
const DefaultChunkSize = 4096

// Frame is one complete line of the stream. Exactly one of Value and Err is set: Value holds the parsed JSON
// value, Err the reason the line could not be parsed. Raw is the trimmed line as received.
type Frame struct {
	Value json.RawMessage
	Raw   string
	Err   error
}

// Decoder reassembles lines across chunk boundaries. The carry-over is kept as bytes and only split on the
// newline byte, which never occurs inside a multi-byte UTF-8 sequence, so characters cut by a chunk boundary
// are restored intact once the rest of the line arrives.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends chunk to the carry-over buffer and returns the frames for every line it completed, in order.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		if f, ok := parseLine(d.buf[:i]); ok {
			frames = append(frames, f)
		}
		d.buf = d.buf[i+1:]
	}

	// Compact so a long stream of short lines doesn't pin the whole history in the backing array.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return frames
}

// Flush signals end of stream. A non-blank carry-over is parsed once as a final, unterminated line.
func (d *Decoder) Flush() []Frame {
	rest := d.buf
	d.buf = nil
	if f, ok := parseLine(rest); ok {
		return []Frame{f}
	}
	return nil
}

// Buffered returns the number of bytes waiting for a line terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func parseLine(line []byte) (Frame, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Frame{}, false
	}

	raw := string(line)
	var v json.RawMessage
	if err := json.Unmarshal(line, &v); err != nil {
		return Frame{Raw: raw, Err: err}, true
	}
	return Frame{Value: v, Raw: raw}, true
}

// Read decodes r as an NDJSON stream. It reads raw chunks of up to size bytes (DefaultChunkSize when size is
// not positive) and yields the frames in arrival order. At end of stream the unterminated remainder, if any,
// is flushed. A read error other than io.EOF is yielded once with an empty Frame and ends the sequence.
// Breaking out of the loop stops reading; closing r remains the caller's responsibility.
func Read(r io.Reader, size int) iter.Seq2[Frame, error] {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return func(yield func(Frame, error) bool) {
		var dec Decoder
		buf := make([]byte, size)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, f := range dec.Feed(buf[:n]) {
					if !yield(f, nil) {
						return
					}
				}
			}
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				for _, f := range dec.Flush() {
					if !yield(f, nil) {
						return
					}
				}
				return
			}
			yield(Frame{}, err)
			return
		}
	}
}
