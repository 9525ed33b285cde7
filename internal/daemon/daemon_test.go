package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/crypto"
	"github.com/rudransh-shrivastava/peer-chat/internal/db"
	"github.com/rudransh-shrivastava/peer-chat/internal/ipc"
	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/node"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 10 * time.Second

var (
	keysOnce sync.Once
	keys     [2]*crypto.KeyPair
	keysErr  error
)

func testKey(t *testing.T, i int) *crypto.KeyPair {
	t.Helper()
	keysOnce.Do(func() {
		for j := range keys {
			if keys[j], keysErr = crypto.GenerateKeyPair(crypto.DefaultKeyBits); keysErr != nil {
				return
			}
		}
	})
	if keysErr != nil {
		t.Fatalf("GenerateKeyPair failed: %v", keysErr)
	}
	return keys[i]
}

type testDaemon struct {
	*Daemon
	dir    string
	client *ipc.Client
}

func startDaemon(t *testing.T, key int) *testDaemon {
	t.Helper()
	dir, err := os.MkdirTemp("", "pcd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := node.DefaultConfig()
	cfg.ChunkSize = 16 * 1024

	d, err := New(Options{
		Listen:      "127.0.0.1:0",
		Name:        "daemon",
		Keys:        testKey(t, key),
		DownloadDir: filepath.Join(dir, "downloads"),
		SocketPath:  filepath.Join(dir, "d.sock"),
		DBPath:      ":memory:",
		Node:        cfg,
		Logger:      logger.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.Eventually(t, func() bool { return d.Node().Addr() != nil }, waitTimeout, 10*time.Millisecond)

	c, err := ipc.Dial(d.opts.SocketPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Error("daemon did not stop")
		}
	})
	return &testDaemon{Daemon: d, dir: dir, client: c}
}

func (td *testDaemon) port() int {
	return td.Node().Addr().(*net.TCPAddr).Port
}

func establishedPeers(t *testing.T, c *ipc.Client) []map[string]any {
	t.Helper()
	res, err := c.Call(OpPeers, nil)
	require.NoError(t, err)
	var out []map[string]any
	for _, p := range res["peers"].([]any) {
		pm := p.(map[string]any)
		if pm["state"] == "ESTABLISHED" {
			out = append(out, pm)
		}
	}
	return out
}

func TestDaemonTextAndFile(t *testing.T) {
	a := startDaemon(t, 0)
	b := startDaemon(t, 1)

	res, err := b.client.Call(OpConnect, map[string]any{"host": "127.0.0.1", "port": a.port()})
	require.NoError(t, err)
	peer := res["peer"].(map[string]any)
	require.Equal(t, "initiator", peer["role"])

	require.Eventually(t, func() bool {
		return len(establishedPeers(t, a.client)) == 1 && len(establishedPeers(t, b.client)) == 1
	}, waitTimeout, 20*time.Millisecond)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	watcher, err := ipc.Dial(a.opts.SocketPath)
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()
	messages := make(chan map[string]any, 64)
	go func() {
		_ = watcher.Watch(watchCtx, func(ev map[string]any) error {
			if ev["event"] == "message" {
				messages <- ev
			}
			return nil
		})
	}()
	require.Eventually(t, func() bool { return a.events.Subscribers() == 1 }, waitTimeout, 10*time.Millisecond)

	_, err = b.client.Call(OpSend, map[string]any{"text": "hello"})
	require.NoError(t, err)
	select {
	case ev := <-messages:
		require.Equal(t, "hello", ev["text"])
		require.Equal(t, "daemon", ev["from"])
	case <-time.After(waitTimeout):
		t.Fatal("text not delivered to watcher")
	}

	data := make([]byte, 100*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	src := filepath.Join(b.dir, "report.bin")
	require.NoError(t, os.WriteFile(src, data, 0o644))

	res, err = b.client.Call(OpFile, map[string]any{"path": src})
	require.NoError(t, err)
	require.Len(t, res["transfers"], 1)
	tid := res["transfers"].([]any)[0].(string)

	var inbound map[string]any
	require.Eventually(t, func() bool {
		res, err := a.client.Call(OpTransfers, map[string]any{"direction": "in"})
		if err != nil || len(res["transfers"].([]any)) == 0 {
			return false
		}
		inbound = res["transfers"].([]any)[0].(map[string]any)
		return true
	}, waitTimeout, 20*time.Millisecond)

	sum := sha256.Sum256(data)
	require.Equal(t, "complete", inbound["status"])
	require.Equal(t, "report.bin", inbound["filename"])
	require.Equal(t, hex.EncodeToString(sum[:]), inbound["sha256"])

	saved, err := os.ReadFile(inbound["path"].(string))
	require.NoError(t, err)
	require.Equal(t, data, saved)
	require.Equal(t, filepath.Join(a.dir, "downloads", "report.bin"), inbound["path"])

	require.Eventually(t, func() bool {
		res, err := b.client.Call(OpTransfers, map[string]any{"direction": "out"})
		if err != nil || len(res["transfers"].([]any)) == 0 {
			return false
		}
		out := res["transfers"].([]any)[0].(map[string]any)
		return out["id"] == tid && out["status"] == "complete" && out["sha256"] == hex.EncodeToString(sum[:])
	}, waitTimeout, 20*time.Millisecond)
}

func TestDaemonErrors(t *testing.T) {
	a := startDaemon(t, 0)

	tests := []struct {
		op   string
		args map[string]any
		want string
	}{
		{"bogus", nil, "unknown op"},
		{OpDisconnect, map[string]any{"id": 4242}, "unknown peer"},
		{OpDisconnect, nil, "missing argument"},
		{OpSend, map[string]any{"text": "x", "id": 4242}, "unknown peer"},
		{OpSend, map[string]any{"text": "x", "id": -1}, "non-negative integer"},
		{OpConnect, map[string]any{"host": "127.0.0.1"}, "missing argument"},
		{OpFile, map[string]any{"path": filepath.Join(a.dir, "nope")}, "file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			_, err := a.client.Call(tt.op, tt.args)
			require.ErrorIs(t, err, ipc.ErrDaemon)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDaemonStatus(t *testing.T) {
	a := startDaemon(t, 0)

	res, err := a.client.Call(OpStatus, nil)
	require.NoError(t, err)
	require.Equal(t, testKey(t, 0).Fingerprint(), res["fingerprint"])
	require.Equal(t, float64(0), res["peers"])
	require.NotEmpty(t, res["listen"])
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("127.0.0.1:5555")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", host)
	require.Equal(t, 5555, port)

	for _, bad := range []string{"nohost", "h:notaport", "h:70000"} {
		_, _, err := splitHostPort(bad)
		require.Error(t, err, bad)
	}
}

func TestUintArg(t *testing.T) {
	v, ok, err := uintArg(map[string]any{"id": float64(7)}, "id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), v)

	_, ok, err = uintArg(map[string]any{}, "id")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = uintArg(map[string]any{"id": 1.5}, "id")
	require.Error(t, err)
	_, _, err = uintArg(map[string]any{"id": "7"}, "id")
	require.Error(t, err)
}

func TestDaemonDisconnectMidTransfer(t *testing.T) {
	a := startDaemon(t, 0)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(a.port())))
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

	require.NoError(t, sender.SendEncrypted(protocol.FileStart{Filename: "big.bin", Size: 1 << 20}))
	require.NoError(t, sender.SendEncrypted(protocol.NewFileChunk(make([]byte, 32*1024))))

	var peerID uint64
	require.Eventually(t, func() bool {
		peers := establishedPeers(t, a.client)
		if len(peers) != 1 {
			return false
		}
		peerID = uint64(peers[0]["id"].(float64))
		_, got, ok := a.asm.InProgress(peerID)
		return ok && got == 32*1024
	}, waitTimeout, 10*time.Millisecond)

	_, err = a.client.Call(OpDisconnect, map[string]any{"id": peerID})
	require.NoError(t, err)

	var rec db.Transfer
	require.Eventually(t, func() bool {
		records, err := a.transfers.ListByDirection(context.Background(), db.Inbound, 0)
		if err != nil || len(records) == 0 {
			return false
		}
		rec = records[0]
		return true
	}, waitTimeout, 20*time.Millisecond)

	require.Equal(t, db.TransferIncomplete, rec.Status)
	require.Equal(t, "big.bin", rec.Filename)
	require.Equal(t, int64(32*1024), rec.Size)
	require.Equal(t, peerID, rec.PeerID)
	require.Zero(t, a.asm.Pending())

	// nothing buffered behind the disconnect may start a new assembly
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, a.asm.Pending())
}
