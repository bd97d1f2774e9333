package transfer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ackByte is written by the receiver once its chunk writer is finished.
var ackByte = []byte{' '}

// Handshake is the resume record a receive unit sends at the start of every
// connection: the number of chunk bytes it has already durably written.
type Handshake struct {
	Progress int64 `json:"progress"`
}

func writeHandshake(w io.Writer, h Handshake) error {
	b, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	return nil
}

// readHandshake reads one newline-terminated record. The record must fit in
// the reader's buffer.
func readHandshake(r *bufio.Reader) (Handshake, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return Handshake{}, fmt.Errorf("%w: record exceeds %d bytes", ErrHandshake, r.Size())
		}
		return Handshake{}, fmt.Errorf("receive handshake: %w", err)
	}
	var h Handshake
	if err := json.Unmarshal(line, &h); err != nil {
		return Handshake{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if h.Progress < 0 {
		return Handshake{}, fmt.Errorf("%w: negative progress %d", ErrHandshake, h.Progress)
	}
	return h, nil
}
