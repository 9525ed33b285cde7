package node

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/crypto"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
)

const (
	DefaultChunkSize        = 64 * 1024
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultConnectTimeout   = 5 * time.Second

	// room for the JSON keys around a chunk, before and after encryption
	envelopeOverhead = 128
)

type Config struct {
	ChunkSize        int
	HandshakeTimeout time.Duration
	// ConnectTimeout is used when Connect is called without a timeout.
	ConnectTimeout time.Duration
	// MaxFrameSize caps inbound frames. Zero disables the cap.
	MaxFrameSize uint32
	KeyBits      int
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:        DefaultChunkSize,
		HandshakeTimeout: DefaultHandshakeTimeout,
		ConnectTimeout:   DefaultConnectTimeout,
		MaxFrameSize:     protocol.DefaultMaxFrameSize,
		KeyBits:          crypto.DefaultKeyBits,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize))
	}
	if c.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("handshake timeout must not be negative, got %s", c.HandshakeTimeout))
	}
	if c.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("connect timeout must not be negative, got %s", c.ConnectTimeout))
	}
	if c.KeyBits < 1024 {
		errs = append(errs, fmt.Errorf("key size must be at least 1024 bits, got %d", c.KeyBits))
	}
	if c.ChunkSize > 0 && c.MaxFrameSize > 0 {
		if need := ChunkFrameSize(c.ChunkSize); need > int64(c.MaxFrameSize) {
			errs = append(errs, fmt.Errorf("max frame size %d cannot carry a %d byte chunk (needs %d)", c.MaxFrameSize, c.ChunkSize, need))
		}
	}
	return errors.Join(errs...)
}

// ChunkFrameSize is the on-wire payload size of one encrypted file_chunk
// carrying chunkSize bytes.
func ChunkFrameSize(chunkSize int) int64 {
	inner := base64.StdEncoding.EncodedLen(chunkSize) + envelopeOverhead
	sealed := crypto.NonceSize + crypto.TagSize + inner
	return int64(base64.StdEncoding.EncodedLen(sealed) + envelopeOverhead)
}
