package protocol

const (
	// HeaderSize is the length prefix of every frame: a big-endian uint32.
	HeaderSize = 4

	// DefaultMaxFrameSize bounds inbound frames read by sessions.
	DefaultMaxFrameSize = 8 * 1024 * 1024
)

type MessageType string

const (
	MsgPubKey     MessageType = "pubkey"
	MsgSessionKey MessageType = "session_key"
	MsgEnc        MessageType = "enc"
	MsgText       MessageType = "msg"
	MsgFileStart  MessageType = "file_start"
	MsgFileChunk  MessageType = "file_chunk"
	MsgFileEnd    MessageType = "file_end"
)

func (t MessageType) String() string {
	switch t {
	case MsgPubKey:
		return "PUBKEY"
	case MsgSessionKey:
		return "SESSION_KEY"
	case MsgEnc:
		return "ENC"
	case MsgText:
		return "MSG"
	case MsgFileStart:
		return "FILE_START"
	case MsgFileChunk:
		return "FILE_CHUNK"
	case MsgFileEnd:
		return "FILE_END"
	default:
		return "UNKNOWN"
	}
}

// IsControl reports whether t belongs to the plaintext handshake phase.
func (t MessageType) IsControl() bool {
	return t == MsgPubKey || t == MsgSessionKey
}

// IsApplication reports whether t is only legal inside an enc envelope.
func (t MessageType) IsApplication() bool {
	switch t {
	case MsgText, MsgFileStart, MsgFileChunk, MsgFileEnd:
		return true
	default:
		return false
	}
}
