// Package protocol defines the wire format spoken between the pipeline and
// an inference worker living behind an isolation boundary (child process or
// in-process pipe).
//
// Framing: 4-byte big-endian length prefix + MsgPack payload, one message per
// frame. MsgPack carries the raw RGB frame bytes and float32 masks natively
// (no base64 overhead).
//
// Conversation:
//
//	pipeline                         worker
//	   │── INIT{config} ───────────────▶│
//	   │◀──────────── LOG{message} ──────│  (any time, advisory)
//	   │◀──────── INIT_DONE | ERROR ─────│
//	   │── PROCESS_FRAME{seq,frame} ────▶│
//	   │◀── RESULT{seq,mask,w,h} ────────│  success
//	   │◀── DROPPED{seq,message} ────────│  per-frame failure (silent)
//	   │◀── ERROR{message} ──────────────│  runtime failure (worker is done)
//
// Ordering contract: PROCESS_FRAME is never sent before INIT_DONE, and never
// while a previous PROCESS_FRAME is unresolved.
package protocol

import "time"

// Type identifies a protocol message.
type Type string

const (
	TypeInit         Type = "INIT"
	TypeInitDone     Type = "INIT_DONE"
	TypeProcessFrame Type = "PROCESS_FRAME"
	TypeResult       Type = "RESULT"
	TypeDropped      Type = "DROPPED"
	TypeLog          Type = "LOG"
	TypeError        Type = "ERROR"
)

// FormatRGB24 is packed 8-bit RGB, row-major, stride = width*3.
const FormatRGB24 = "RGB24"

// InitConfig carries the capability parameters sent with INIT.
type InitConfig struct {
	// ModelAssetPath is a file path or http(s) URL of the capability asset.
	ModelAssetPath string `msgpack:"model_asset_path"`

	// OutputConfidenceMasks requests per-class confidence channels.
	OutputConfidenceMasks bool `msgpack:"output_confidence_masks"`

	// OutputCategoryMask requests the argmax category mask (unused by the pipeline).
	OutputCategoryMask bool `msgpack:"output_category_mask"`

	// Delegate selects the compute backend ("CPU").
	Delegate string `msgpack:"delegate"`

	// InputWidth/InputHeight resize frames before segmentation (0 = native size).
	InputWidth  int `msgpack:"input_width"`
	InputHeight int `msgpack:"input_height"`
}

// Frame is one sampled video image.
type Frame struct {
	Width     int       `msgpack:"width"`
	Height    int       `msgpack:"height"`
	Format    string    `msgpack:"format"`
	Data      []byte    `msgpack:"data"`
	Timestamp time.Time `msgpack:"timestamp"`
}

// Message is the single envelope for every protocol message. Which fields
// are set depends on Type.
type Message struct {
	Type    Type        `msgpack:"type"`
	Seq     uint64      `msgpack:"seq,omitempty"`
	Config  *InitConfig `msgpack:"config,omitempty"`
	Frame   *Frame      `msgpack:"frame,omitempty"`
	Mask    []float32   `msgpack:"mask,omitempty"`
	Width   int         `msgpack:"width,omitempty"`
	Height  int         `msgpack:"height,omitempty"`
	Message string      `msgpack:"message,omitempty"`
}

// Reset clears m for reuse by a Decoder while keeping the capacity of the
// frame buffer, so a long-running worker recycles one pixel buffer instead
// of allocating per frame.
func (m *Message) Reset() {
	frame := m.Frame
	*m = Message{}
	if frame != nil {
		data := frame.Data[:0]
		*frame = Frame{Data: data}
		m.Frame = frame
	}
}

func Init(cfg InitConfig) *Message {
	return &Message{Type: TypeInit, Config: &cfg}
}

func InitDone() *Message {
	return &Message{Type: TypeInitDone}
}

func ProcessFrame(seq uint64, frame *Frame) *Message {
	return &Message{Type: TypeProcessFrame, Seq: seq, Frame: frame}
}

func Result(seq uint64, mask []float32, width, height int) *Message {
	return &Message{Type: TypeResult, Seq: seq, Mask: mask, Width: width, Height: height}
}

func Dropped(seq uint64, reason string) *Message {
	return &Message{Type: TypeDropped, Seq: seq, Message: reason}
}

func Log(message string) *Message {
	return &Message{Type: TypeLog, Message: message}
}

func Error(message string) *Message {
	return &Message{Type: TypeError, Message: message}
}
