package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/crypto"
	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Config Config
	// Keys is generated with Config.KeyBits when nil.
	Keys *crypto.KeyPair
	// Name fills the optional from field of outgoing text messages.
	Name   string
	Logger *logrus.Logger

	OnMessage  MessageHandler
	OnStatus   StatusHandler
	OnProgress ProgressHandler
}

// Node accepts and opens peer sessions and drives the application facing
// operations. Callbacks are invoked one at a time from an internal goroutine.
type Node struct {
	cfg    Config
	keys   *crypto.KeyPair
	name   string
	logger *logrus.Logger

	onMessage  MessageHandler
	onStatus   StatusHandler
	onProgress ProgressHandler

	ctx    context.Context
	cancel context.CancelFunc

	registry *Registry
	events   *dispatcher

	// peerMu orders a peer's Disconnected status after its last message
	peerMu sync.Mutex

	mu       sync.Mutex
	listener net.Listener
	closed   bool

	wg sync.WaitGroup
}

func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	keys := opts.Keys
	if keys == nil {
		var err error
		if keys, err = crypto.GenerateKeyPair(cfg.KeyBits); err != nil {
			return nil, err
		}
		log.Infof("Generated %d bit node key %s", cfg.KeyBits, keys.Fingerprint())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:        cfg,
		keys:       keys,
		name:       opts.Name,
		logger:     log,
		onMessage:  opts.OnMessage,
		onStatus:   opts.OnStatus,
		onProgress: opts.OnProgress,
		ctx:        ctx,
		cancel:     cancel,
		registry:   NewRegistry(),
		events:     newDispatcher(),
	}, nil
}

func (n *Node) Config() Config        { return n.cfg }
func (n *Node) Keys() *crypto.KeyPair { return n.keys }
func (n *Node) Fingerprint() string   { return n.keys.Fingerprint() }
func (n *Node) Done() <-chan struct{} { return n.events.done }

// Addr is the bound listening address, or nil before StartListening.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// StartListening binds host:port and accepts connections in the background.
// Port 0 picks a free port; see Addr.
func (n *Node) StartListening(host string, port int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if n.listener != nil {
		return fmt.Errorf("%w on %s", ErrAlreadyListening, n.listener.Addr())
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listening on %s:%d: %w", host, port, err)
	}
	n.listener = ln

	n.wg.Add(1)
	go n.acceptLoop(ln)

	n.emit(Status{Kind: StatusListening, Text: fmt.Sprintf("Listening on %s", ln.Addr())})
	return nil
}

func (n *Node) acceptLoop(ln net.Listener) {
	defer n.wg.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if n.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			n.logger.Warnf("Accept failed: %v; retrying in %s", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		_, err = n.startSession(conn, transport.Acceptor, func(info PeerInfo) {
			n.emit(Status{Kind: StatusAccepted, Peer: info, Text: fmt.Sprintf("Accepted connection from %s", info)})
		})
		if err != nil {
			n.logger.Warnf("Dropping connection from %s: %v", conn.RemoteAddr(), err)
		}
	}
}

// Connect dials host:port and starts the handshake in the background.
// Completion is reported with a StatusEstablished event. A zero timeout
// uses Config.ConnectTimeout.
func (n *Node) Connect(host string, port int, timeout time.Duration) (PeerInfo, error) {
	if n.isClosed() {
		return PeerInfo{}, ErrNodeClosed
	}
	if timeout <= 0 {
		timeout = n.cfg.ConnectTimeout
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(n.ctx, "tcp", addr)
	if err != nil {
		return PeerInfo{}, mapDialError(addr, err)
	}

	s, err := n.startSession(conn, transport.Initiator, func(info PeerInfo) {
		n.emit(Status{Kind: StatusConnected, Peer: info, Text: fmt.Sprintf("Connected to %s", info)})
	})
	if err != nil {
		return PeerInfo{}, err
	}
	return peerInfo(s), nil
}

func mapDialError(addr string, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %s", ErrConnectRefused, addr)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %s", ErrConnectTimeout, addr)
	case errors.Is(err, context.Canceled):
		return ErrNodeClosed
	default:
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
}

// startSession registers a session for conn and calls started before its
// receive loop begins, so the first status for a peer always comes first.
func (n *Node) startSession(conn net.Conn, role transport.Role, started func(PeerInfo)) (*transport.Session, error) {
	if !n.track() {
		_ = conn.Close()
		return nil, ErrNodeClosed
	}

	s := transport.NewSession(conn, transport.Options{
		Role:             role,
		Keys:             n.keys,
		HandshakeTimeout: n.cfg.HandshakeTimeout,
		MaxFrameSize:     n.cfg.MaxFrameSize,
		Logger:           n.logger,
	})
	if err := n.registry.Insert(s); err != nil {
		n.wg.Done()
		_ = s.Close()
		return nil, err
	}

	started(peerInfo(s))
	go n.runSession(s)
	return s, nil
}

func (n *Node) runSession(s *transport.Session) {
	defer n.wg.Done()

	err := s.Run(n.ctx, transport.Handler{
		OnEstablished: func(s *transport.Session) {
			info := peerInfo(s)
			n.emit(Status{
				Kind: StatusEstablished,
				Peer: info,
				Text: fmt.Sprintf("Secure session established with %s, key %s", info, info.Fingerprint),
			})
		},
		OnMessage: func(s *transport.Session, msg protocol.Message) {
			n.deliver(s, msg)
		},
		OnWarning: func(s *transport.Session, err error) {
			info := peerInfo(s)
			n.emit(Status{Kind: StatusWarning, Peer: info, Err: err, Text: fmt.Sprintf("Frame from %s dropped", info)})
		},
	})

	if errors.Is(err, transport.ErrSessionClosed) || (errors.Is(err, protocol.ErrConnectionClosed) && !errors.Is(err, protocol.ErrFraming)) {
		err = nil
	}
	n.detach(s.ID(), err)
}

// detach removes a session and queues its Disconnected status. Only the
// caller that removes the session reports it.
func (n *Node) detach(id uint64, err error) (*transport.Session, bool) {
	n.peerMu.Lock()
	defer n.peerMu.Unlock()

	s, ok := n.registry.Remove(id)
	if ok {
		info := peerInfo(s)
		n.emit(Status{Kind: StatusDisconnected, Peer: info, Err: err, Text: fmt.Sprintf("Disconnected from %s", info)})
	}
	return s, ok
}

// SendText sends text to every established peer. A failure for one peer is
// reported as StatusSendFailed and does not stop the others.
func (n *Node) SendText(text string) error {
	if n.isClosed() {
		return ErrNodeClosed
	}
	msg := protocol.Text{Text: text, From: n.name}
	for _, s := range n.registry.List() {
		if !s.Established() {
			continue
		}
		if err := s.SendEncrypted(msg); err != nil {
			info := peerInfo(s)
			n.emit(Status{Kind: StatusSendFailed, Peer: info, Err: err, Text: fmt.Sprintf("Send to %s failed", info)})
		}
	}
	return nil
}

func (n *Node) SendTextTo(id uint64, text string) error {
	if n.isClosed() {
		return ErrNodeClosed
	}
	s, ok := n.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	return s.SendEncrypted(protocol.Text{Text: text, From: n.name})
}

// Disconnect closes one session.
func (n *Node) Disconnect(id uint64) error {
	s, ok := n.detach(id, nil)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	_ = s.Close()
	return nil
}

// ListPeers returns a snapshot of the registered sessions ordered by id.
func (n *Node) ListPeers() []PeerInfo {
	sessions := n.registry.List()
	out := make([]PeerInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, peerInfo(s))
	}
	return out
}

// Close stops accepting, closes every session and waits for the background
// goroutines. Callbacks already queued still run; Done is closed after the
// last one. Calling Close again is a no-op.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	ln := n.listener
	n.mu.Unlock()

	n.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}

	n.peerMu.Lock()
	sessions := n.registry.Close()
	for _, s := range sessions {
		info := peerInfo(s)
		n.emit(Status{Kind: StatusDisconnected, Peer: info, Text: fmt.Sprintf("Disconnected from %s", info)})
	}
	n.peerMu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}

	n.wg.Wait()
	n.emit(Status{Kind: StatusClosed, Text: "Node closed"})
	n.events.close()
	return err
}

// track reserves a slot in the wait group unless the node is closing.
func (n *Node) track() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.wg.Add(1)
	return true
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *Node) emit(st Status) {
	entry := n.logger.WithField("status", st.Kind)
	if st.Peer.ID != 0 {
		entry = entry.WithField("peer", st.Peer.ID)
	}
	if st.Err != nil {
		entry.Warn(st.String())
	} else {
		entry.Info(st.String())
	}

	if n.onStatus != nil {
		n.events.post(func() { n.onStatus(st) })
	}
}

// deliver queues msg unless s has already been reported as disconnected.
func (n *Node) deliver(s *transport.Session, msg protocol.Message) {
	if n.onMessage == nil {
		return
	}
	n.peerMu.Lock()
	defer n.peerMu.Unlock()
	if cur, ok := n.registry.Get(s.ID()); ok && cur == s {
		from := peerInfo(s)
		n.events.post(func() { n.onMessage(msg, from) })
	}
}

func (n *Node) progress(p Progress) {
	if n.onProgress != nil {
		n.events.post(func() { n.onProgress(p) })
	}
}
