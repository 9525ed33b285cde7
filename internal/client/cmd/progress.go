package cmd

import (
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/peer-chat/internal/client/client"
	"github.com/schollz/progressbar/v3"
)

// tracker folds progress and status events of a set of outbound transfers
// into one progress bar.
type tracker struct {
	bar      *progressbar.ProgressBar
	size     int64
	sent     map[string]int64
	finished map[string]error
}

func newTracker(name string, size int64, ids []string) *tracker {
	t := &tracker{
		size:     size,
		sent:     make(map[string]int64, len(ids)),
		finished: make(map[string]error, len(ids)),
	}
	for _, id := range ids {
		t.sent[id] = 0
	}
	desc := name
	if len(ids) > 1 {
		desc = fmt.Sprintf("%s to %d peers", name, len(ids))
	}
	t.bar = progressbar.DefaultBytes(size*int64(len(ids)), desc)
	return t
}

func (t *tracker) handle(ev map[string]any) {
	id, _ := ev["transfer"].(string)
	if _, ok := t.sent[id]; !ok {
		return
	}
	switch ev["event"] {
	case "progress":
		if sent, ok := ev["sent"].(float64); ok {
			t.sent[id] = int64(sent)
		}
	case "status":
		switch ev["kind"] {
		case "TRANSFER_COMPLETE":
			t.finish(id, nil)
		case "TRANSFER_FAILED":
			msg, _ := ev["error"].(string)
			t.finish(id, errors.New(msg))
		}
	}
	t.update()
}

// reconcile catches transfers that ended before the watch was subscribed.
func (t *tracker) reconcile(records []client.Transfer) {
	for _, r := range records {
		if _, ok := t.sent[r.ID]; !ok {
			continue
		}
		switch r.Status {
		case "complete":
			t.finish(r.ID, nil)
		case "failed", "incomplete":
			t.finish(r.ID, errors.New(r.Error))
		}
	}
	t.update()
}

func (t *tracker) finish(id string, err error) {
	if _, done := t.finished[id]; done {
		return
	}
	t.finished[id] = err
	if err == nil {
		t.sent[id] = t.size
	}
}

func (t *tracker) update() {
	var total int64
	for _, n := range t.sent {
		total += n
	}
	_ = t.bar.Set64(total)
	if t.done() {
		_ = t.bar.Finish()
	}
}

func (t *tracker) done() bool {
	return len(t.finished) == len(t.sent)
}

func (t *tracker) err() error {
	var errs []error
	for id, err := range t.finished {
		if err != nil {
			errs = append(errs, fmt.Errorf("transfer %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
