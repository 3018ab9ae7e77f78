package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single message. A 1080p RGB frame is ~6 MiB.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned when a message exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: message exceeds max frame size")

// Encoder writes length-prefixed MsgPack messages.
//
// Thread-safety: safe for concurrent use (a message is never interleaved
// with another).
type Encoder struct {
	mu     sync.Mutex
	w      io.Writer
	header [4]byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals m and writes it as one frame.
func (e *Encoder) Encode(m *Message) error {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("protocol: marshal %s: %w", m.Type, err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrFrameTooLarge, m.Type, len(payload))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	binary.BigEndian.PutUint32(e.header[:], uint32(len(payload)))
	if _, err := e.w.Write(e.header[:]); err != nil {
		return fmt.Errorf("protocol: write length prefix: %w", err)
	}
	if _, err := e.w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// Decoder reads length-prefixed MsgPack messages. It reuses its read buffer
// between calls and is NOT safe for concurrent use (one reader goroutine).
type Decoder struct {
	r      io.Reader
	header [4]byte
	buf    []byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next message into m.
//
// Returns io.EOF when the stream ends cleanly between messages, and
// io.ErrUnexpectedEOF when it ends mid-message.
func (d *Decoder) Decode(m *Message) error {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(d.header[:])
	if n > MaxFrameSize {
		return fmt.Errorf("%w: announced %d bytes", ErrFrameTooLarge, n)
	}

	if cap(d.buf) < int(n) {
		d.buf = make([]byte, n)
	}
	payload := d.buf[:n]
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	if err := msgpack.Unmarshal(payload, m); err != nil {
		return fmt.Errorf("protocol: unmarshal (%d bytes): %w", n, err)
	}
	return nil
}
