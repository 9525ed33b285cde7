package client

import (
	"context"
	"fmt"

	"github.com/rudransh-shrivastava/peer-chat/internal/daemon"
	"github.com/rudransh-shrivastava/peer-chat/internal/ipc"
)

// Client talks to a running daemon over its unix socket.
type Client struct {
	conn *ipc.Client
}

// Peer mirrors the daemon's peer representation.
type Peer struct {
	ID          uint64
	Addr        string
	Role        string
	State       string
	Fingerprint string
}

func (p Peer) String() string {
	return fmt.Sprintf("#%d %s %s %s %s", p.ID, p.Addr, p.Role, p.State, p.Fingerprint)
}

// Transfer is one ledger row.
type Transfer struct {
	ID        string
	Direction string
	PeerAddr  string
	Filename  string
	Size      int64
	SHA256    string
	Path      string
	Status    string
	Error     string
	CreatedAt string
}

func NewClient(socketPath string) (*Client, error) {
	conn, err := ipc.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("is the daemon running? %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Status() (map[string]any, error) {
	return c.conn.Call(daemon.OpStatus, nil)
}

func (c *Client) Peers() ([]Peer, error) {
	res, err := c.conn.Call(daemon.OpPeers, nil)
	if err != nil {
		return nil, err
	}
	list, _ := res["peers"].([]any)
	peers := make([]Peer, 0, len(list))
	for _, v := range list {
		if m, ok := v.(map[string]any); ok {
			peers = append(peers, PeerFromMap(m))
		}
	}
	return peers, nil
}

func (c *Client) Connect(host string, port int, timeoutSecs int) (Peer, error) {
	args := map[string]any{"host": host, "port": port}
	if timeoutSecs > 0 {
		args["timeout"] = timeoutSecs
	}
	res, err := c.conn.Call(daemon.OpConnect, args)
	if err != nil {
		return Peer{}, err
	}
	m, _ := res["peer"].(map[string]any)
	return PeerFromMap(m), nil
}

func (c *Client) Disconnect(id uint64) error {
	_, err := c.conn.Call(daemon.OpDisconnect, map[string]any{"id": id})
	return err
}

// SendText broadcasts when to is zero.
func (c *Client) SendText(text string, to uint64) error {
	args := map[string]any{"text": text}
	if to != 0 {
		args["id"] = to
	}
	_, err := c.conn.Call(daemon.OpSend, args)
	return err
}

// SendFile returns the transfer ids started by the daemon.
func (c *Client) SendFile(path string, to uint64) ([]string, error) {
	args := map[string]any{"path": path}
	if to != 0 {
		args["id"] = to
	}
	res, err := c.conn.Call(daemon.OpFile, args)
	if err != nil {
		return nil, err
	}
	list, _ := res["transfers"].([]any)
	ids := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

func (c *Client) Transfers(limit int, direction string) ([]Transfer, error) {
	args := map[string]any{}
	if limit > 0 {
		args["limit"] = limit
	}
	if direction != "" {
		args["direction"] = direction
	}
	res, err := c.conn.Call(daemon.OpTransfers, args)
	if err != nil {
		return nil, err
	}
	list, _ := res["transfers"].([]any)
	out := make([]Transfer, 0, len(list))
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		size, _ := m["size"].(float64)
		out = append(out, Transfer{
			ID:        str(m, "id"),
			Direction: str(m, "direction"),
			PeerAddr:  str(m, "peer_addr"),
			Filename:  str(m, "filename"),
			Size:      int64(size),
			SHA256:    str(m, "sha256"),
			Path:      str(m, "path"),
			Status:    str(m, "status"),
			Error:     str(m, "error"),
			CreatedAt: str(m, "created_at"),
		})
	}
	return out, nil
}

// Watch blocks, passing daemon events to fn until ctx is done or fn fails.
func (c *Client) Watch(ctx context.Context, fn func(event map[string]any) error) error {
	return c.conn.Watch(ctx, fn)
}

func PeerFromMap(m map[string]any) Peer {
	id, _ := m["id"].(float64)
	return Peer{
		ID:          uint64(id),
		Addr:        str(m, "addr"),
		Role:        str(m, "role"),
		State:       str(m, "state"),
		Fingerprint: str(m, "fingerprint"),
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
