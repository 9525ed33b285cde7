package node

import (
	"errors"

	"github.com/rudransh-shrivastava/peer-chat/internal/crypto"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

var (
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrAlreadyListening = errors.New("already listening")
	ErrConnectTimeout   = errors.New("connect timed out")
	ErrConnectRefused   = errors.New("connection refused")
	ErrFileNotFound     = errors.New("file not found")
	ErrNodeClosed       = errors.New("node closed")
)

// Session level failures, surfaced through Status.Err.
var (
	ErrFraming          = protocol.ErrFraming
	ErrConnectionClosed = protocol.ErrConnectionClosed
	ErrHandshake        = transport.ErrHandshake
	ErrDecryption       = crypto.ErrDecryption
	ErrNotEstablished   = transport.ErrNotEstablished
	ErrSessionClosed    = transport.ErrSessionClosed
)
