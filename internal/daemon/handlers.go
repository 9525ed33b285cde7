package daemon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/db"
	"github.com/rudransh-shrivastava/peer-chat/internal/ipc"
)

const (
	OpStatus     = "status"
	OpPeers      = "peers"
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpSend       = "send"
	OpFile       = "file"
	OpTransfers  = "transfers"
)

var errMissingArg = errors.New("missing argument")

func (d *Daemon) handle(ctx context.Context, req ipc.Request) (map[string]any, error) {
	d.logger.Debugf("IPC request %s", req.Op)

	switch req.Op {
	case OpStatus:
		return d.handleStatus()
	case OpPeers:
		return d.handlePeers()
	case OpConnect:
		return d.handleConnect(req.Args)
	case OpDisconnect:
		return d.handleDisconnect(req.Args)
	case OpSend:
		return d.handleSend(req.Args)
	case OpFile:
		return d.handleFile(req.Args)
	case OpTransfers:
		return d.handleTransfers(ctx, req.Args)
	default:
		return nil, fmt.Errorf("unknown op %q", req.Op)
	}
}

func (d *Daemon) handleStatus() (map[string]any, error) {
	res := map[string]any{
		"fingerprint": d.node.Fingerprint(),
		"peers":       len(d.node.ListPeers()),
		"downloads":   d.opts.DownloadDir,
	}
	if addr := d.node.Addr(); addr != nil {
		res["listen"] = addr.String()
	}
	return res, nil
}

func (d *Daemon) handlePeers() (map[string]any, error) {
	peers := d.node.ListPeers()
	list := make([]any, 0, len(peers))
	for _, p := range peers {
		list = append(list, peerMap(p))
	}
	return map[string]any{"peers": list}, nil
}

func (d *Daemon) handleConnect(args map[string]any) (map[string]any, error) {
	host, err := stringArg(args, "host")
	if err != nil {
		return nil, err
	}
	port, ok, err := uintArg(args, "port")
	if err != nil {
		return nil, err
	}
	if !ok || port > 65535 {
		return nil, fmt.Errorf("%w: port", errMissingArg)
	}

	var timeout time.Duration
	if secs, ok, err := uintArg(args, "timeout"); err != nil {
		return nil, err
	} else if ok {
		timeout = time.Duration(secs) * time.Second
	}

	info, err := d.node.Connect(host, int(port), timeout)
	if err != nil {
		return nil, err
	}
	return map[string]any{"peer": peerMap(info)}, nil
}

func (d *Daemon) handleDisconnect(args map[string]any) (map[string]any, error) {
	id, ok, err := uintArg(args, "id")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id", errMissingArg)
	}
	return nil, d.node.Disconnect(id)
}

func (d *Daemon) handleSend(args map[string]any) (map[string]any, error) {
	text, err := stringArg(args, "text")
	if err != nil {
		return nil, err
	}
	id, ok, err := uintArg(args, "id")
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, d.node.SendTextTo(id, text)
	}
	return nil, d.node.SendText(text)
}

func (d *Daemon) handleFile(args map[string]any) (map[string]any, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	id, ok, err := uintArg(args, "id")
	if err != nil {
		return nil, err
	}

	var ids []string
	if ok {
		tid, err := d.node.SendFileTo(id, path)
		if err != nil {
			return nil, err
		}
		ids = []string{tid}
	} else if ids, err = d.node.SendFile(path); err != nil {
		return nil, err
	}

	list := make([]any, 0, len(ids))
	for _, tid := range ids {
		list = append(list, tid)
	}
	return map[string]any{"transfers": list}, nil
}

func (d *Daemon) handleTransfers(ctx context.Context, args map[string]any) (map[string]any, error) {
	limit, _, err := uintArg(args, "limit")
	if err != nil {
		return nil, err
	}

	var records []db.Transfer
	if dir, _ := args["direction"].(string); dir != "" {
		records, err = d.transfers.ListByDirection(ctx, db.Direction(dir), int(limit))
	} else {
		records, err = d.transfers.List(ctx, int(limit))
	}
	if err != nil {
		return nil, err
	}

	list := make([]any, 0, len(records))
	for _, r := range records {
		list = append(list, map[string]any{
			"id":         r.ID,
			"direction":  string(r.Direction),
			"peer_id":    r.PeerID,
			"peer_addr":  r.PeerAddr,
			"filename":   r.Filename,
			"size":       r.Size,
			"sha256":     r.SHA256,
			"path":       r.Path,
			"status":     string(r.Status),
			"error":      r.Error,
			"created_at": r.CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{"transfers": list}, nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", errMissingArg, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %s must be a string", key)
	}
	return s, nil
}

// uintArg reads a non-negative integer. IPC numbers arrive as float64.
func uintArg(args map[string]any, key string) (uint64, bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	f, ok := v.(float64)
	if !ok || f < 0 || f != math.Trunc(f) || f > 1<<53 {
		return 0, false, fmt.Errorf("argument %s must be a non-negative integer", key)
	}
	return uint64(f), true, nil
}
