package node

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/stretchr/testify/require"
)

func TestEndToEndText(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())
	b := newTestNode(t, 1, DefaultConfig())
	a.listen(t)

	bOnA, aOnB := connectPair(t, a, b)
	require.Equal(t, a.Fingerprint(), aOnB.Fingerprint)
	require.Equal(t, b.Fingerprint(), bOnA.Fingerprint)

	require.NoError(t, b.SendText("hello"))

	r := a.waitMessage(t)
	text, ok := r.msg.(*protocol.Text)
	require.True(t, ok, "got %T", r.msg)
	require.Equal(t, "hello", text.Text)
	require.Equal(t, "node-1", text.From)
	require.Equal(t, bOnA.ID, r.from.ID)

	require.NoError(t, a.SendTextTo(bOnA.ID, "hi back"))
	r = b.waitMessage(t)
	require.Equal(t, "hi back", r.msg.(*protocol.Text).Text)
	require.Equal(t, aOnB.ID, r.from.ID)
}

func TestListPeers(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())
	b := newTestNode(t, 1, DefaultConfig())
	c := newTestNode(t, 2, DefaultConfig())
	a.listen(t)

	bOnA, _ := connectPair(t, a, b)
	cOnA, _ := connectPair(t, a, c)

	peers := a.ListPeers()
	require.Len(t, peers, 2)
	require.Equal(t, bOnA.ID, peers[0].ID)
	require.Equal(t, cOnA.ID, peers[1].ID)
	for _, p := range peers {
		require.Equal(t, transport.Established, p.State)
		require.Equal(t, transport.Acceptor, p.Role)
	}

	require.Len(t, b.ListPeers(), 1)
	require.Equal(t, transport.Initiator, b.ListPeers()[0].Role)
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())
	b := newTestNode(t, 1, DefaultConfig())
	c := newTestNode(t, 2, DefaultConfig())
	a.listen(t)

	connectPair(t, a, b)
	connectPair(t, a, c)

	require.NoError(t, a.SendText("to everyone"))
	require.Equal(t, "to everyone", b.waitMessage(t).msg.(*protocol.Text).Text)
	require.Equal(t, "to everyone", c.waitMessage(t).msg.(*protocol.Text).Text)
}

func TestStartListeningTwice(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())
	a.listen(t)

	err := a.StartListening("127.0.0.1", 0)
	require.ErrorIs(t, err, ErrAlreadyListening)
}

func TestSendTextUnknownPeer(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())
	b := newTestNode(t, 1, DefaultConfig())
	c := newTestNode(t, 2, DefaultConfig())
	a.listen(t)

	bOnA, _ := connectPair(t, a, b)
	cOnA, _ := connectPair(t, a, c)

	require.NoError(t, a.Disconnect(bOnA.ID))
	a.waitStatus(t, StatusDisconnected, func(st Status) bool { return st.Peer.ID == bOnA.ID })

	err := a.SendTextTo(bOnA.ID, "gone")
	require.ErrorIs(t, err, ErrUnknownPeer)

	require.NoError(t, a.SendTextTo(cOnA.ID, "still here"))
	require.Equal(t, "still here", c.waitMessage(t).msg.(*protocol.Text).Text)
}

func TestDisconnectUnknownPeer(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())
	require.ErrorIs(t, a.Disconnect(12345), ErrUnknownPeer)
}

func TestRemoteDisconnectReported(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())
	b := newTestNode(t, 1, DefaultConfig())
	a.listen(t)

	bOnA, aOnB := connectPair(t, a, b)
	require.NoError(t, b.Disconnect(aOnB.ID))

	st := a.waitStatus(t, StatusDisconnected, func(st Status) bool { return st.Peer.ID == bOnA.ID })
	require.NoError(t, st.Err)
	require.Eventually(t, func() bool { return len(a.ListPeers()) == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestCloseIdempotent(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())
	b := newTestNode(t, 1, DefaultConfig())
	a.listen(t)
	connectPair(t, a, b)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	select {
	case <-a.Done():
	case <-time.After(waitTimeout):
		t.Fatal("callbacks not drained after Close")
	}

	var last Status
	for len(a.statuses) > 0 {
		last = <-a.statuses
	}
	require.Equal(t, StatusClosed, last.Kind)
	require.Equal(t, "Node closed", last.String())

	require.Empty(t, a.ListPeers())
	require.ErrorIs(t, a.SendText("x"), ErrNodeClosed)
	require.ErrorIs(t, a.StartListening("127.0.0.1", 0), ErrNodeClosed)
	_, err := a.Connect("127.0.0.1", 1, time.Second)
	require.ErrorIs(t, err, ErrNodeClosed)

	b.waitStatus(t, StatusDisconnected, nil)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	a := newTestNode(t, 0, DefaultConfig())
	_, err = a.Connect("127.0.0.1", port, time.Second)
	require.ErrorIs(t, err, ErrConnectRefused)
	require.Empty(t, a.ListPeers())
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestMapDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, ErrConnectRefused},
		{"timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, ErrConnectTimeout},
		{"deadline", context.DeadlineExceeded, ErrConnectTimeout},
		{"cancelled", context.Canceled, ErrNodeClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapDialError("127.0.0.1:1", tt.err); !errors.Is(got, tt.want) {
				t.Errorf("mapDialError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func writeRandomFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestFileTransfer(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())
	b := newTestNode(t, 1, DefaultConfig())
	a.listen(t)
	bOnA, _ := connectPair(t, a, b)

	path, data := writeRandomFile(t, 200*1024)
	ids, err := b.SendFile(path)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	start := a.waitMessage(t)
	fs, ok := start.msg.(*protocol.FileStart)
	require.True(t, ok, "first message is %T", start.msg)
	require.Equal(t, "payload.bin", fs.Filename)
	require.Equal(t, int64(204800), fs.Size)
	require.Equal(t, bOnA.ID, start.from.ID)

	var got []byte
	for i := 0; i < 4; i++ {
		r := a.waitMessage(t)
		chunk, ok := r.msg.(*protocol.FileChunk)
		require.True(t, ok, "message %d is %T", i+1, r.msg)
		part, err := chunk.Bytes()
		require.NoError(t, err)
		got = append(got, part...)
	}
	require.Len(t, got, 204800)

	end := a.waitMessage(t)
	fe, ok := end.msg.(*protocol.FileEnd)
	require.True(t, ok, "last message is %T", end.msg)
	require.Equal(t, "payload.bin", fe.Filename)
	require.True(t, bytes.Equal(data, got))

	select {
	case f := <-a.files:
		require.True(t, f.Complete())
		require.True(t, bytes.Equal(data, f.Data))
	case <-time.After(waitTimeout):
		t.Fatal("assembler did not produce the file")
	}

	done := b.waitStatus(t, StatusTransferComplete, nil)
	require.Equal(t, ids[0], done.Transfer.ID)
	wantSum, err := HashFile(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, wantSum, done.Transfer.SHA256)

	var last Progress
	for len(b.progress) > 0 {
		last = <-b.progress
	}
	require.Equal(t, int64(204800), last.Sent)
	require.Equal(t, last.Total, last.Sent)
}

func TestTransfersToSamePeerDoNotInterleave(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 4 * 1024

	a := newTestNode(t, 0, cfg)
	b := newTestNode(t, 1, cfg)
	a.listen(t)
	bOnA, _ := connectPair(t, a, b)

	first, _ := writeRandomFile(t, 64*1024)
	second, _ := writeRandomFile(t, 48*1024)

	_, err := b.SendFileTo(b.ListPeers()[0].ID, first)
	require.NoError(t, err)
	_, err = b.SendFileTo(b.ListPeers()[0].ID, second)
	require.NoError(t, err)

	var open bool
	var ended int
	for ended < 2 {
		r := a.waitMessage(t)
		require.Equal(t, bOnA.ID, r.from.ID)
		switch r.msg.(type) {
		case *protocol.FileStart:
			require.False(t, open, "file_start inside another transfer")
			open = true
		case *protocol.FileChunk:
			require.True(t, open, "chunk outside a transfer")
		case *protocol.FileEnd:
			require.True(t, open)
			open = false
			ended++
		}
	}
}

func TestSendFileNotFound(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())

	_, err := a.SendFile(filepath.Join(t.TempDir(), "missing.bin"))
	require.ErrorIs(t, err, ErrFileNotFound)
	_, err = a.SendFileTo(1, t.TempDir())
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestSendFileUnknownPeer(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())
	path, _ := writeRandomFile(t, 10)

	_, err := a.SendFileTo(999, path)
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestDisconnectMidTransferDiscardsBuffer(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())
	c := newTestNode(t, 2, DefaultConfig())
	port := a.listen(t)
	cOnA, _ := connectPair(t, a, c)

	// A bare session stands in for the sender so the transfer can be cut
	// off after a known number of chunks.
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	sender := transport.NewSession(conn, transport.Options{
		Role:   transport.Initiator,
		Keys:   testKey(t, 1),
		Logger: logger.Discard(),
	})
	established := make(chan struct{})
	go func() {
		_ = sender.Run(context.Background(), transport.Handler{OnEstablished: func(*transport.Session) { close(established) }})
	}()
	defer func() { _ = sender.Close() }()

	select {
	case <-established:
	case <-time.After(waitTimeout):
		t.Fatal("sender handshake timed out")
	}
	senderOnA := a.waitStatus(t, StatusEstablished, func(st Status) bool { return st.Peer.ID != cOnA.ID }).Peer

	require.NoError(t, sender.SendEncrypted(protocol.FileStart{Filename: "big.bin", Size: 1 << 20}))
	require.NoError(t, sender.SendEncrypted(protocol.NewFileChunk(make([]byte, 64*1024))))

	for i := 0; i < 2; i++ {
		a.waitMessage(t)
	}
	_, have, ok := a.asm.InProgress(senderOnA.ID)
	require.True(t, ok)
	require.Equal(t, int64(64*1024), have)

	require.NoError(t, a.Disconnect(senderOnA.ID))
	a.waitStatus(t, StatusDisconnected, func(st Status) bool { return st.Peer.ID == senderOnA.ID })
	require.Zero(t, a.asm.Pending())

	require.NoError(t, c.SendText("unaffected"))
	r := a.waitMessage(t)
	require.Equal(t, cOnA.ID, r.from.ID)
	require.Equal(t, "unaffected", r.msg.(*protocol.Text).Text)
}

func TestHandshakeFailureReported(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())
	port := a.listen(t)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, protocol.NewCodec().Encode(conn, protocol.Text{Text: "no handshake"}))

	st := a.waitStatus(t, StatusDisconnected, nil)
	require.ErrorIs(t, st.Err, ErrHandshake)
	require.Empty(t, a.ListPeers())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = -1
	_, err := New(Options{Config: cfg, Keys: testKey(t, 0), Logger: logger.Discard()})
	require.Error(t, err)
}

func TestSessionStatusOrder(t *testing.T) {
	a := newTestNode(t, 0, DefaultConfig())
	b := newTestNode(t, 1, DefaultConfig())
	port := a.listen(t)

	for i := 0; i < 5; i++ {
		toA, err := b.Connect("127.0.0.1", port, 0)
		require.NoError(t, err)

		bKinds := kindsUntilEstablished(t, b, func(st Status) bool { return st.Peer.ID == toA.ID })
		require.Equal(t, []StatusKind{StatusConnected, StatusEstablished}, bKinds)

		aKinds := kindsUntilEstablished(t, a, func(st Status) bool { return st.Peer.ID != 0 })
		require.Equal(t, []StatusKind{StatusAccepted, StatusEstablished}, aKinds)

		require.NoError(t, b.Disconnect(toA.ID))
		b.waitStatus(t, StatusDisconnected, nil)
		a.waitStatus(t, StatusDisconnected, nil)
	}
}

// kindsUntilEstablished collects the kinds of matching statuses up to and
// including the first StatusEstablished.
func kindsUntilEstablished(t *testing.T, tn *testNode, match func(Status) bool) []StatusKind {
	t.Helper()
	var kinds []StatusKind
	deadline := time.After(waitTimeout)
	for {
		select {
		case st := <-tn.statuses:
			if !match(st) {
				continue
			}
			kinds = append(kinds, st.Kind)
			if st.Kind == StatusEstablished {
				return kinds
			}
		case <-deadline:
			t.Fatalf("timed out, statuses so far: %v", kinds)
			return nil
		}
	}
}
