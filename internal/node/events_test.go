package node

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDispatcherRunsInOrder(t *testing.T) {
	d := newDispatcher()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if !d.post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatal("post rejected before close")
		}
	}
	d.close()

	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not drain")
	}

	if len(got) != 100 {
		t.Fatalf("ran %d callbacks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("callback %d ran at position %d", v, i)
		}
	}
	if d.post(func() {}) {
		t.Error("post accepted after close")
	}
}

func TestDispatcherReentrantPost(t *testing.T) {
	d := newDispatcher()
	ran := make(chan struct{})

	// A callback queuing more work must not block.
	d.post(func() {
		for i := 0; i < 1000; i++ {
			d.post(func() {})
		}
		d.post(func() { close(ran) })
	})

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("nested callbacks did not run")
	}
	d.close()
	<-d.done
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		st   Status
		want string
	}{
		{Status{Kind: StatusClosed, Text: "Node closed"}, "Node closed"},
		{Status{Kind: StatusDisconnected, Text: "Disconnected from #2 (x)", Err: errors.New("boom")}, "Disconnected from #2 (x): boom"},
	}
	for _, tt := range tests {
		if got := tt.st.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestStatusKindString(t *testing.T) {
	if StatusEstablished.String() != "ESTABLISHED" {
		t.Errorf("unexpected name %q", StatusEstablished.String())
	}
	if StatusKind(99).String() != "UNKNOWN" {
		t.Errorf("unexpected name for unknown kind")
	}
}

func TestPeerInfoString(t *testing.T) {
	p := PeerInfo{ID: 4, Addr: "127.0.0.1:9000"}
	if got := p.String(); got != "#4 (127.0.0.1:9000)" {
		t.Errorf("String() = %q", got)
	}
}
