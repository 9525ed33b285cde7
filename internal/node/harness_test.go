package node

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/crypto"
	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transfer"
)

const waitTimeout = 10 * time.Second

var (
	keysOnce sync.Once
	keyPairs [3]*crypto.KeyPair
	keysErr  error
)

func testKey(t *testing.T, i int) *crypto.KeyPair {
	t.Helper()
	keysOnce.Do(func() {
		for j := range keyPairs {
			if keyPairs[j], keysErr = crypto.GenerateKeyPair(crypto.DefaultKeyBits); keysErr != nil {
				return
			}
		}
	})
	if keysErr != nil {
		t.Fatalf("GenerateKeyPair failed: %v", keysErr)
	}
	return keyPairs[i]
}

type received struct {
	msg  protocol.Message
	from PeerInfo
}

type testNode struct {
	*Node
	statuses chan Status
	messages chan received
	progress chan Progress
	files    chan *transfer.File
	asm      *transfer.Assembler
}

// newTestNode builds a node whose callbacks feed buffered channels. Inbound
// file messages also go through an assembler that discards a peer's partial
// buffer when it disconnects.
func newTestNode(t *testing.T, key int, cfg Config) *testNode {
	t.Helper()
	tn := &testNode{
		statuses: make(chan Status, 1024),
		messages: make(chan received, 1024),
		progress: make(chan Progress, 1024),
		files:    make(chan *transfer.File, 16),
		asm:      transfer.NewAssembler(),
	}

	n, err := New(Options{
		Config: cfg,
		Keys:   testKey(t, key),
		Name:   "node-" + strconv.Itoa(key),
		Logger: logger.Discard(),
		OnMessage: func(msg protocol.Message, from PeerInfo) {
			if f, err := tn.asm.Handle(from.ID, msg); err == nil && f != nil {
				tn.files <- f
			}
			tn.messages <- received{msg: msg, from: from}
		},
		OnStatus: func(st Status) {
			if st.Kind == StatusDisconnected {
				tn.asm.Discard(st.Peer.ID)
			}
			tn.statuses <- st
		},
		OnProgress: func(p Progress) { tn.progress <- p },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tn.Node = n
	t.Cleanup(func() { _ = n.Close() })
	return tn
}

func (tn *testNode) listen(t *testing.T) int {
	t.Helper()
	if err := tn.StartListening("127.0.0.1", 0); err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}
	return tn.Addr().(*net.TCPAddr).Port
}

func (tn *testNode) waitStatus(t *testing.T, kind StatusKind, match func(Status) bool) Status {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case st := <-tn.statuses:
			if st.Kind == kind && (match == nil || match(st)) {
				return st
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s status", kind)
			return Status{}
		}
	}
}

func (tn *testNode) waitMessage(t *testing.T) received {
	t.Helper()
	select {
	case r := <-tn.messages:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for message")
		return received{}
	}
}

// connectPair connects b to a and waits until both sides are established.
// It returns a's view of b and b's view of a.
func connectPair(t *testing.T, a, b *testNode) (PeerInfo, PeerInfo) {
	t.Helper()
	port := a.Addr().(*net.TCPAddr).Port

	toA, err := b.Connect("127.0.0.1", port, 0)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	bSide := b.waitStatus(t, StatusEstablished, func(st Status) bool { return st.Peer.ID == toA.ID })
	aSide := a.waitStatus(t, StatusEstablished, func(st Status) bool { return st.Peer.Role.String() == "acceptor" })
	return aSide.Peer, bSide.Peer
}
