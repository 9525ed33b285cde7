package daemon

import (
	"context"

	"github.com/rudransh-shrivastava/peer-chat/internal/db"
	"github.com/rudransh-shrivastava/peer-chat/internal/node"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transfer"
)

// The node runs these callbacks one at a time, so they may touch the
// assembler and the ledger without further locking.

func (d *Daemon) onMessage(msg protocol.Message, from node.PeerInfo) {
	if text, ok := msg.(*protocol.Text); ok {
		d.publish("message", map[string]any{
			"peer": peerMap(from),
			"text": text.Text,
			"from": text.From,
		})
		return
	}

	f, err := d.asm.Handle(from.ID, msg)
	if err != nil {
		d.logger.Warnf("Transfer from %s: %v", from, err)
		d.publish("warning", map[string]any{"peer": peerMap(from), "error": err.Error()})
	}
	if fs, ok := msg.(*protocol.FileStart); ok {
		d.publish("incoming", map[string]any{"peer": peerMap(from), "filename": fs.Filename, "size": fs.Size})
	}
	if f != nil {
		d.saveInbound(from, f)
	}
}

func (d *Daemon) saveInbound(from node.PeerInfo, f *transfer.File) {
	rec := &db.Transfer{
		Direction: db.Inbound,
		PeerID:    from.ID,
		PeerAddr:  from.Addr,
		Filename:  f.Name,
		Size:      int64(len(f.Data)),
		Status:    db.TransferComplete,
	}
	if !f.Complete() {
		rec.Status = db.TransferIncomplete
		d.logger.Warnf("Received %d of %d announced bytes of %s", len(f.Data), f.DeclaredSize, f.Name)
	}

	path, sum, err := transfer.Save(d.opts.DownloadDir, f)
	if err != nil {
		rec.Status = db.TransferFailed
		rec.Error = err.Error()
		d.logger.Errorf("Saving %s: %v", f.Name, err)
	}
	rec.Path, rec.SHA256 = path, sum

	d.record(rec)
	d.publish("received", map[string]any{
		"peer":     peerMap(from),
		"filename": f.Name,
		"path":     path,
		"size":     rec.Size,
		"sha256":   sum,
		"status":   string(rec.Status),
	})
}

func (d *Daemon) onStatus(st node.Status) {
	switch st.Kind {
	case node.StatusDisconnected:
		if name, got, ok := d.asm.InProgress(st.Peer.ID); ok {
			d.asm.Discard(st.Peer.ID)
			d.logger.Warnf("Discarded %s from %s after %d bytes", name, st.Peer, got)
			d.record(&db.Transfer{
				Direction: db.Inbound,
				PeerID:    st.Peer.ID,
				PeerAddr:  st.Peer.Addr,
				Filename:  name,
				Size:      got,
				Status:    db.TransferIncomplete,
				Error:     "peer disconnected",
			})
		}
	case node.StatusTransferComplete, node.StatusTransferFailed:
		if st.Transfer != nil {
			d.recordOutbound(st)
		}
	}

	ev := map[string]any{"kind": st.Kind.String(), "text": st.String()}
	if st.Peer.ID != 0 {
		ev["peer"] = peerMap(st.Peer)
	}
	if st.Transfer != nil {
		ev["transfer"] = st.Transfer.ID
	}
	if st.Err != nil {
		ev["error"] = st.Err.Error()
	}
	d.publish("status", ev)
}

func (d *Daemon) recordOutbound(st node.Status) {
	t := st.Transfer
	rec := &db.Transfer{
		ID:        t.ID,
		Direction: db.Outbound,
		PeerID:    st.Peer.ID,
		PeerAddr:  st.Peer.Addr,
		Filename:  t.Filename,
		Size:      t.Size,
		SHA256:    t.SHA256,
		Path:      t.Path,
		Status:    db.TransferComplete,
	}
	if st.Kind == node.StatusTransferFailed {
		rec.Status = db.TransferFailed
		if st.Err != nil {
			rec.Error = st.Err.Error()
		}
	}
	d.record(rec)
}

func (d *Daemon) onProgress(p node.Progress) {
	d.publish("progress", map[string]any{
		"transfer": p.TransferID,
		"peer":     peerMap(p.Peer),
		"filename": p.Filename,
		"sent":     p.Sent,
		"total":    p.Total,
	})
}

func (d *Daemon) record(rec *db.Transfer) {
	if err := d.transfers.Create(context.Background(), rec); err != nil {
		d.logger.Errorf("Recording transfer: %v", err)
	}
}

func (d *Daemon) publish(event string, fields map[string]any) {
	fields["event"] = event
	if dropped := d.events.Publish(fields); dropped > 0 {
		d.logger.Debugf("%d watchers missed a %s event", dropped, event)
	}
}

func peerMap(p node.PeerInfo) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"addr":        p.Addr,
		"role":        p.Role.String(),
		"state":       p.State.String(),
		"fingerprint": p.Fingerprint,
	}
}
