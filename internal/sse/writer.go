package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
)

// Writer emits gateway events and flushes after each one.
type Writer struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewWriter wraps w. Call Start before the first event.
func NewWriter(w http.ResponseWriter) *Writer {
	return &Writer{w: w, rc: http.NewResponseController(w)}
}

// Start writes the event-stream headers and a 200 status.
func (sw *Writer) Start() error {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	sw.w.WriteHeader(http.StatusOK)
	return sw.flush()
}

// WriteContent writes one `data: {"content": token}` event.
func (sw *Writer) WriteContent(token string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(struct {
		Content string `json:"content"`
	}{token}); err != nil {
		return err
	}

	event := make([]byte, 0, buf.Len()+8)
	event = append(event, "data: "...)
	event = append(event, bytes.TrimRight(buf.Bytes(), "\n")...)
	event = append(event, "\n\n"...)
	if _, err := sw.w.Write(event); err != nil {
		return err
	}
	return sw.flush()
}

// WriteDone writes the terminal event.
func (sw *Writer) WriteDone() error {
	if _, err := sw.w.Write([]byte("data: " + DoneSentinel + "\n\n")); err != nil {
		return err
	}
	return sw.flush()
}

func (sw *Writer) flush() error {
	if err := sw.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
