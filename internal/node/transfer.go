package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

// SendFile streams path to every established peer, one transfer per peer.
// It returns the transfer ids once the transfers are queued; outcomes are
// reported through the status callback.
func (n *Node) SendFile(path string) ([]string, error) {
	info, err := statFile(path)
	if err != nil {
		return nil, err
	}
	if n.isClosed() {
		return nil, ErrNodeClosed
	}

	var ids []string
	for _, s := range n.registry.List() {
		if !s.Established() {
			continue
		}
		id, err := n.startTransfer(s, path, info.Size())
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SendFileTo streams path to one peer in the background.
func (n *Node) SendFileTo(id uint64, path string) (string, error) {
	info, err := statFile(path)
	if err != nil {
		return "", err
	}
	s, ok := n.registry.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	if !s.Established() {
		return "", fmt.Errorf("%w: peer %d is %s", ErrNotEstablished, id, s.State())
	}
	return n.startTransfer(s, path, info.Size())
}

func (n *Node) startTransfer(s *transport.Session, path string, size int64) (string, error) {
	if !n.track() {
		return "", ErrNodeClosed
	}
	t := &TransferInfo{
		ID:       uuid.NewString(),
		Path:     path,
		Filename: filepath.Base(path),
		Size:     size,
	}
	go func() {
		defer n.wg.Done()
		n.runTransfer(s, t)
	}()
	return t.ID, nil
}

func (n *Node) runTransfer(s *transport.Session, t *TransferInfo) {
	release, err := s.BeginTransfer(n.ctx)
	if err != nil {
		n.transferFailed(s, t, err)
		return
	}
	defer release()

	info := peerInfo(s)
	n.emit(Status{
		Kind:     StatusTransferStarted,
		Peer:     info,
		Transfer: t,
		Text:     fmt.Sprintf("Sending %s (%d bytes) to %s", t.Filename, t.Size, info),
	})

	sum, err := n.streamFile(n.ctx, s, t)
	if err != nil {
		n.transferFailed(s, t, err)
		return
	}

	done := *t
	done.SHA256 = sum
	n.emit(Status{
		Kind:     StatusTransferComplete,
		Peer:     peerInfo(s),
		Transfer: &done,
		Text:     fmt.Sprintf("Sent %s to %s", t.Filename, info),
	})
}

// streamFile sends file_start, the chunks in order, then file_end, and
// returns the SHA-256 of the bytes sent.
func (n *Node) streamFile(ctx context.Context, s *transport.Session, t *TransferInfo) (string, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFileNotFound, err)
	}
	defer func() { _ = f.Close() }()

	if err := s.SendEncrypted(protocol.FileStart{Filename: t.Filename, Size: t.Size}); err != nil {
		return "", err
	}

	hash := sha256.New()
	r := io.TeeReader(f, hash)
	buf := make([]byte, n.cfg.ChunkSize)
	info := peerInfo(s)
	var sent int64

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		m, err := ReadChunk(r, buf)
		if m > 0 {
			if err := s.SendEncrypted(protocol.NewFileChunk(buf[:m])); err != nil {
				return "", err
			}
			sent += int64(m)
			n.progress(Progress{TransferID: t.ID, Peer: info, Filename: t.Filename, Sent: sent, Total: t.Size})
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", t.Path, err)
		}
	}

	if err := s.SendEncrypted(protocol.FileEnd{Filename: t.Filename}); err != nil {
		return "", err
	}
	n.logger.Infof("Sent %d chunks of %s to peer %d", CalculateTotalChunks(sent, int64(n.cfg.ChunkSize)), t.Filename, s.ID())
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func (n *Node) transferFailed(s *transport.Session, t *TransferInfo, err error) {
	info := peerInfo(s)
	n.emit(Status{
		Kind:     StatusTransferFailed,
		Peer:     info,
		Transfer: t,
		Err:      err,
		Text:     fmt.Sprintf("Sending %s to %s failed", t.Filename, info),
	})
}
