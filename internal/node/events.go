package node

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

type StatusKind int

const (
	StatusListening StatusKind = iota
	StatusAccepted
	StatusConnected
	StatusEstablished
	StatusDisconnected
	StatusSendFailed
	StatusWarning
	StatusTransferStarted
	StatusTransferComplete
	StatusTransferFailed
	StatusClosed
)

func (k StatusKind) String() string {
	switch k {
	case StatusListening:
		return "LISTENING"
	case StatusAccepted:
		return "ACCEPTED"
	case StatusConnected:
		return "CONNECTED"
	case StatusEstablished:
		return "ESTABLISHED"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusSendFailed:
		return "SEND_FAILED"
	case StatusWarning:
		return "WARNING"
	case StatusTransferStarted:
		return "TRANSFER_STARTED"
	case StatusTransferComplete:
		return "TRANSFER_COMPLETE"
	case StatusTransferFailed:
		return "TRANSFER_FAILED"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// PeerInfo is a point-in-time view of one session.
type PeerInfo struct {
	ID          uint64
	Addr        string
	Role        transport.Role
	State       transport.State
	Fingerprint string
}

func (p PeerInfo) String() string {
	return fmt.Sprintf("#%d (%s)", p.ID, p.Addr)
}

func peerInfo(s *transport.Session) PeerInfo {
	return PeerInfo{
		ID:          s.ID(),
		Addr:        s.Addr(),
		Role:        s.Role(),
		State:       s.State(),
		Fingerprint: s.RemoteFingerprint(),
	}
}

// TransferInfo describes an outbound file transfer.
type TransferInfo struct {
	ID       string
	Path     string
	Filename string
	Size     int64
	SHA256   string
}

// Status is a fact the node reports to its host. Peer is zero for node
// level events and Transfer is only set for transfer events.
type Status struct {
	Kind     StatusKind
	Peer     PeerInfo
	Transfer *TransferInfo
	Err      error
	Text     string
}

func (s Status) String() string {
	var b strings.Builder
	b.WriteString(s.Text)
	if s.Err != nil {
		b.WriteString(": ")
		b.WriteString(s.Err.Error())
	}
	return b.String()
}

type Progress struct {
	TransferID string
	Peer       PeerInfo
	Filename   string
	Sent       int64
	Total      int64
}

type (
	MessageHandler  func(msg protocol.Message, from PeerInfo)
	StatusHandler   func(Status)
	ProgressHandler func(Progress)
)

// dispatcher runs callbacks one at a time on its own goroutine. The queue is
// unbounded so producers never block, even when a callback calls back into
// the node.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// post queues fn. It reports false once the dispatcher is closed.
func (d *dispatcher) post(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting work. Already queued callbacks still run; done is
// closed after the last one.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}
