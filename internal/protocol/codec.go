package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type Codec struct {
	maxFrameSize uint32
}

func NewCodec() *Codec {
	return &Codec{}
}

// NewCodecWithLimit returns a codec that refuses inbound frames above max bytes.
func NewCodecWithLimit(max uint32) *Codec {
	return &Codec{maxFrameSize: max}
}

func (c *Codec) Encode(w io.Writer, msg Message) error {
	payload, err := Marshal(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

func (c *Codec) Decode(r io.Reader) (Message, error) {
	payload, err := ReadFrameLimit(r, c.maxFrameSize)
	if err != nil {
		return nil, err
	}
	return Parse(payload)
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	return c.Decode(bytes.NewReader(data))
}

// Marshal renders msg as a JSON object whose first key is "type".
func Marshal(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s: %w", msg.Type(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s does not encode as an object", ErrInvalidMessage, msg.Type())
	}

	typ, err := json.Marshal(string(msg.Type()))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// Parse decodes a frame payload into the concrete message for its type.
// The required fields of that type must be present.
func Parse(payload []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFraming, err)
	}

	raw, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	var t MessageType
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w: type is not a string", ErrInvalidMessage)
	}

	msg := newMessage(t)
	if msg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(t))
	}

	for _, key := range requiredFields[t] {
		if _, ok := fields[key]; !ok {
			return nil, fmt.Errorf("%w: %s missing field %q", ErrInvalidMessage, t, key)
		}
	}

	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, t, err)
	}
	return msg, nil
}
