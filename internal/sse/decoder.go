// Package sse reads and writes server-sent event streams.
//
// The Decoder is shared by the client (gateway responses) and by the upstream
// provider client; the Writer is the gateway's side of the same format.
package sse

import (
	"bytes"
	"io"
	"iter"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultChunkSize is the transport read size.
const DefaultChunkSize = 4096

// DoneSentinel is the payload of the terminal frame.
const DoneSentinel = "[DONE]"

// Frame is one delimited event. Done frames carry no data.
type Frame struct {
	Data string
	Done bool
}

// Decoder splits a byte stream into frames on blank lines.
// It is consumed once, in order, by a single reader.
type Decoder struct {
	r     io.Reader
	chunk []byte
	buf   []byte
	err   error
	done  bool
}

// NewDecoder returns a Decoder reading from r. Input is decoded as UTF-8;
// invalid bytes become U+FFFD and runes split across reads are reassembled.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, DefaultChunkSize)
}

// NewDecoderSize is NewDecoder with an explicit read size.
func NewDecoderSize(r io.Reader, size int) *Decoder {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Decoder{
		r:     transform.NewReader(r, unicode.UTF8.NewDecoder()),
		chunk: make([]byte, size),
	}
}

// Next returns the next data frame. After the terminal frame, or when the
// transport ends, it returns io.EOF. A trailing unterminated fragment is dropped.
// Transport errors are returned unchanged.
func (d *Decoder) Next() (Frame, error) {
	if d.done {
		return Frame{}, io.EOF
	}
	for {
		if i := bytes.Index(d.buf, []byte("\n\n")); i >= 0 {
			block := string(d.buf[:i])
			d.buf = d.buf[i+2:]

			data, ok := payload(block)
			if !ok {
				continue
			}
			if data == DoneSentinel {
				d.done = true
				d.buf = nil
				return Frame{Done: true}, nil
			}
			return Frame{Data: data}, nil
		}

		if d.err != nil {
			d.done = true
			d.buf = nil
			return Frame{}, d.err
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
			// A "\r" left at the end of one read pairs with the "\n" of the next.
			d.buf = bytes.ReplaceAll(d.buf, []byte("\r\n"), []byte("\n"))
		}
		if err != nil {
			d.err = err
		}
	}
}

// Frames returns an iterator over the remaining frames, ending after the
// terminal frame or at EOF. A transport error is yielded once as the last pair.
func (d *Decoder) Frames() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			f, err := d.Next()
			if err == io.EOF {
				return
			}
			if !yield(f, err) || err != nil || f.Done {
				return
			}
		}
	}
}

// payload joins the data lines of one event block.
func payload(block string) (string, bool) {
	var (
		lines []string
		found bool
	)
	for _, line := range strings.Split(block, "\n") {
		value, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		found = true
		lines = append(lines, strings.TrimPrefix(value, " "))
	}
	return strings.Join(lines, "\n"), found
}
