package upstream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hpungsan/recast/internal/sse"
)

// chunk is one streamed completion event.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

// Stream yields content tokens from an open completion.
type Stream struct {
	body io.ReadCloser
	dec  *sse.Decoder
}

// Next returns the next non-empty token. It returns io.EOF when the provider
// sends the terminal frame or closes the connection.
func (s *Stream) Next() (string, error) {
	for {
		f, err := s.dec.Next()
		if err != nil {
			return "", err
		}
		if f.Done {
			return "", io.EOF
		}

		var c chunk
		if err := json.Unmarshal([]byte(f.Data), &c); err != nil {
			return "", fmt.Errorf("decode stream chunk: %w", err)
		}
		if c.Error != nil {
			return "", fmt.Errorf("upstream stream error: %s", c.Error.Message)
		}
		if len(c.Choices) == 0 || c.Choices[0].Delta.Content == "" {
			continue
		}
		return c.Choices[0].Delta.Content, nil
	}
}

// Close releases the connection.
func (s *Stream) Close() error {
	return s.body.Close()
}
