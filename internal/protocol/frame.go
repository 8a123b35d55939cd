// Package protocol implements the wire framing and message envelope shared
// by every client connection: a 4-byte big-endian length prefix followed by
// a UTF-8 JSON body.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the largest accepted JSON payload, in bytes. A length
// prefix exceeding this closes the connection; the stream is unrecoverable
// at that point because the decoder can no longer trust the framing.
const MaxFrameSize = 16 * 1024 * 1024 // 16 MiB

// ErrFrameTooLarge is returned by ReadFrame when the declared length exceeds
// MaxFrameSize. Callers must close the connection on this error; the stream
// itself is corrupt, not just the one frame.
var ErrFrameTooLarge = fmt.Errorf("protocol: frame exceeds %d bytes", MaxFrameSize)

// WriteFrame writes one length-prefixed frame and returns only once every
// byte has been accepted by w, looping internally on short writes.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	if _, err := writeAll(w, hdr[:]); err != nil {
		return fmt.Errorf("protocol: write length prefix: %w", err)
	}
	if _, err := writeAll(w, payload); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

func writeAll(w io.Writer, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadFrame reads exactly one length-prefixed frame from r. It returns
// ErrFrameTooLarge (an unrecoverable stream error) when the prefix declares
// more than MaxFrameSize bytes.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Encode marshals v to JSON and wraps it in a length-prefixed frame.
func Encode(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	return WriteFrame(w, payload)
}

// FrameMessage marshals msg and returns the complete length-prefixed frame
// bytes, for callers delivering to a Sender rather than writing to an
// io.Writer directly.
func FrameMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decoder extracts JSON frames off a byte stream, buffering a partial tail
// between calls. A malformed JSON body fails only that call, not the
// stream; a corrupt length prefix (via ReadFrame) is unrecoverable.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for repeated frame decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next reads and decodes the next frame into a Message. io.EOF (or a
// wrapped io.EOF) signals a clean stream end.
func (d *Decoder) Next() (Message, error) {
	var msg Message
	payload, err := ReadFrame(d.r)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, &Error{Code: CodeInvalidInput, Message: fmt.Sprintf("malformed frame: %v", err)}
	}
	return msg, nil
}
