package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
)

var ErrNoTransfer = errors.New("no transfer in progress")

// File is a fully received transfer.
type File struct {
	PeerID       uint64
	Name         string
	DeclaredSize int64
	Data         []byte
}

// Complete reports whether the received bytes match the announced size.
func (f *File) Complete() bool {
	return int64(len(f.Data)) == f.DeclaredSize
}

type buffer struct {
	name   string
	size   int64
	chunks [][]byte
	bytes  int64
}

// Assembler rebuilds inbound files from file_start, file_chunk and
// file_end messages, keeping one buffer per peer.
type Assembler struct {
	mu      sync.Mutex
	buffers map[uint64]*buffer
}

func NewAssembler() *Assembler {
	return &Assembler{buffers: make(map[uint64]*buffer)}
}

// Handle feeds one message from peerID. It returns the finished file on
// file_end and nil otherwise. Messages that are not part of a transfer are
// ignored.
func (a *Assembler) Handle(peerID uint64, msg protocol.Message) (*File, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.FileStart:
		return a.start(peerID, m.Filename, m.Size)
	case protocol.FileStart:
		return a.start(peerID, m.Filename, m.Size)
	case *protocol.FileChunk:
		return nil, a.chunk(peerID, *m)
	case protocol.FileChunk:
		return nil, a.chunk(peerID, m)
	case *protocol.FileEnd:
		return a.end(peerID, m.Filename)
	case protocol.FileEnd:
		return a.end(peerID, m.Filename)
	default:
		return nil, nil
	}
}

func (a *Assembler) start(peerID uint64, name string, size int64) (*File, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d for %q", protocol.ErrInvalidMessage, size, name)
	}
	var err error
	if prev, ok := a.buffers[peerID]; ok {
		err = fmt.Errorf("abandoned %q after %d of %d bytes", prev.name, prev.bytes, prev.size)
	}
	a.buffers[peerID] = &buffer{name: name, size: size}
	return nil, err
}

func (a *Assembler) chunk(peerID uint64, m protocol.FileChunk) error {
	buf, ok := a.buffers[peerID]
	if !ok {
		return fmt.Errorf("%w: chunk from peer %d dropped", ErrNoTransfer, peerID)
	}
	data, err := m.Bytes()
	if err != nil {
		return fmt.Errorf("%w: chunk is not base64: %v", protocol.ErrInvalidMessage, err)
	}
	buf.chunks = append(buf.chunks, data)
	buf.bytes += int64(len(data))
	return nil
}

func (a *Assembler) end(peerID uint64, name string) (*File, error) {
	buf, ok := a.buffers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: file_end for %q from peer %d", ErrNoTransfer, name, peerID)
	}
	delete(a.buffers, peerID)

	data := make([]byte, 0, buf.bytes)
	for _, c := range buf.chunks {
		data = append(data, c...)
	}
	return &File{PeerID: peerID, Name: buf.name, DeclaredSize: buf.size, Data: data}, nil
}

// Discard drops any partial transfer for peerID and reports whether one existed.
func (a *Assembler) Discard(peerID uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.buffers[peerID]
	delete(a.buffers, peerID)
	return ok
}

// Pending reports how many peers have a transfer in progress.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// InProgress returns the name and received byte count of peerID's transfer.
func (a *Assembler) InProgress(peerID uint64) (string, int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[peerID]
	if !ok {
		return "", 0, false
	}
	return buf.name, buf.bytes, true
}
