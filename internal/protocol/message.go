package protocol

import "encoding/base64"

type Message interface {
	Type() MessageType
}

// PubKey carries a PEM encoded public key during the handshake.
type PubKey struct {
	Key string `json:"key"`
}

func (PubKey) Type() MessageType { return MsgPubKey }

// SessionKey carries the wrapped symmetric key, base64 encoded.
type SessionKey struct {
	Data string `json:"data"`
}

func (SessionKey) Type() MessageType { return MsgSessionKey }

// Enc wraps one encrypted application message: base64(nonce || tag || ciphertext).
type Enc struct {
	Data string `json:"data"`
}

func (Enc) Type() MessageType { return MsgEnc }

type Text struct {
	Text string `json:"text"`
	From string `json:"from,omitempty"`
}

func (Text) Type() MessageType { return MsgText }

type FileStart struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

func (FileStart) Type() MessageType { return MsgFileStart }

type FileChunk struct {
	Data string `json:"data"`
}

func (FileChunk) Type() MessageType { return MsgFileChunk }

func NewFileChunk(b []byte) *FileChunk {
	return &FileChunk{Data: base64.StdEncoding.EncodeToString(b)}
}

// Bytes decodes the chunk payload.
func (c FileChunk) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.Data)
}

type FileEnd struct {
	Filename string `json:"filename"`
}

func (FileEnd) Type() MessageType { return MsgFileEnd }

// requiredFields lists the keys that must be present for each type.
var requiredFields = map[MessageType][]string{
	MsgPubKey:     {"key"},
	MsgSessionKey: {"data"},
	MsgEnc:        {"data"},
	MsgText:       {"text"},
	MsgFileStart:  {"filename", "size"},
	MsgFileChunk:  {"data"},
	MsgFileEnd:    {"filename"},
}

func newMessage(t MessageType) Message {
	switch t {
	case MsgPubKey:
		return &PubKey{}
	case MsgSessionKey:
		return &SessionKey{}
	case MsgEnc:
		return &Enc{}
	case MsgText:
		return &Text{}
	case MsgFileStart:
		return &FileStart{}
	case MsgFileChunk:
		return &FileChunk{}
	case MsgFileEnd:
		return &FileEnd{}
	default:
		return nil
	}
}
