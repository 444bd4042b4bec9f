package sse

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, d *Decoder) ([]Frame, error) {
	t.Helper()
	var frames []Frame
	for {
		f, err := d.Next()
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

func TestDecoder_Basic(t *testing.T) {
	in := "data: {\"content\":\"a\"}\n\ndata: {\"content\":\"b\"}\n\ndata: [DONE]\n\n"
	frames, err := collect(t, NewDecoder(strings.NewReader(in)))
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []Frame{
		{Data: `{"content":"a"}`},
		{Data: `{"content":"b"}`},
		{Done: true},
	}, frames)
}

func TestDecoder_ByteAtATime(t *testing.T) {
	in := "data: one\n\n: keep-alive\n\ndata:two\r\n\r\ndata: [DONE]\n\ndata: ignored\n\n"
	d := NewDecoderSize(iotest.OneByteReader(strings.NewReader(in)), 1)
	frames, err := collect(t, d)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []Frame{{Data: "one"}, {Data: "two"}, {Done: true}}, frames)
}

func TestDecoder_MultibyteSplitAcrossReads(t *testing.T) {
	in := "data: héllo → 世界\n\n"
	d := NewDecoderSize(iotest.OneByteReader(strings.NewReader(in)), 1)
	f, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, "héllo → 世界", f.Data)
}

func TestDecoder_InvalidUTF8(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: a\xffb\n\n"))
	f, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, "a�b", f.Data)
}

func TestDecoder_MultipleDataLines(t *testing.T) {
	d := NewDecoder(strings.NewReader("event: msg\ndata: first\ndata: second\n\n"))
	f, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, "first\nsecond", f.Data)
}

func TestDecoder_TrailingFragmentDropped(t *testing.T) {
	frames, err := collect(t, NewDecoder(strings.NewReader("data: a\n\ndata: partial")))
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []Frame{{Data: "a"}}, frames)
}

func TestDecoder_TransportError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("data: a\n\n"), iotest.ErrReader(boom))
	frames, err := collect(t, NewDecoder(r))
	require.ErrorIs(t, err, boom)
	require.Equal(t, []Frame{{Data: "a"}}, frames)
}

func TestDecoder_Frames(t *testing.T) {
	in := "data: a\n\ndata: [DONE]\n\n"
	var got []Frame
	for f, err := range NewDecoder(strings.NewReader(in)).Frames() {
		require.NoError(t, err)
		got = append(got, f)
	}
	require.Equal(t, []Frame{{Data: "a"}, {Done: true}}, got)
}

func TestWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	require.NoError(t, w.Start())
	require.NoError(t, w.WriteContent(`<b>"quoted"</b>`+"\n"))
	require.NoError(t, w.WriteDone())

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.True(t, rec.Flushed)
	require.Equal(t,
		"data: {\"content\":\"<b>\\\"quoted\\\"</b>\\n\"}\n\ndata: [DONE]\n\n",
		rec.Body.String())
}

func TestWriterDecoderRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NoError(t, w.Start())
	require.NoError(t, w.WriteContent("line\n\nbreak"))
	require.NoError(t, w.WriteDone())

	frames, err := collect(t, NewDecoder(strings.NewReader(rec.Body.String())))
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []Frame{{Data: `{"content":"line\n\nbreak"}`}, {Done: true}}, frames)
}
