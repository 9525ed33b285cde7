package transport

import (
	"bufio"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/crypto"
	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	ErrHandshake      = errors.New("handshake failed")
	ErrNotEstablished = errors.New("session not established")
	ErrSessionClosed  = errors.New("session closed")
)

// Handler receives the events of one session's receive loop. All callbacks
// run on the loop's goroutine and any of them may be nil.
type Handler struct {
	OnEstablished func(s *Session)
	OnMessage     func(s *Session, msg protocol.Message)
	OnWarning     func(s *Session, err error)
}

type Options struct {
	// ID defaults to NextID().
	ID               uint64
	Role             Role
	Keys             *crypto.KeyPair
	HandshakeTimeout time.Duration
	MaxFrameSize     uint32
	Logger           *logrus.Logger
}

// Session owns one peer socket. Sends are safe from any goroutine; Run must
// be called exactly once.
type Session struct {
	id    uint64
	addr  string
	role  Role
	keys  *crypto.KeyPair
	conn  net.Conn
	rd    *bufio.Reader
	codec *protocol.Codec
	log   *logrus.Entry

	handshakeTimeout time.Duration

	state   atomic.Int32
	writeMu sync.Mutex

	// set once by the handshake before state becomes Established
	cipher     *crypto.SessionCipher
	remotePub  *rsa.PublicKey
	remoteHash atomic.Pointer[string]

	transfers chan struct{}
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func NewSession(conn net.Conn, opts Options) *Session {
	id := opts.ID
	if id == 0 {
		id = NextID()
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	s := &Session{
		id:               id,
		addr:             conn.RemoteAddr().String(),
		role:             opts.Role,
		keys:             opts.Keys,
		conn:             conn,
		rd:               bufio.NewReader(conn),
		codec:            protocol.NewCodecWithLimit(opts.MaxFrameSize),
		handshakeTimeout: opts.HandshakeTimeout,
		transfers:        make(chan struct{}, 1),
		done:             make(chan struct{}),
	}
	s.log = log.WithFields(logrus.Fields{"peer": id, "addr": s.addr})

	initial := Handshaking
	if opts.Role == Initiator {
		initial = Connecting
	}
	s.state.Store(int32(initial))
	return s
}

func (s *Session) ID() uint64        { return s.id }
func (s *Session) Addr() string      { return s.addr }
func (s *Session) Role() Role        { return s.role }
func (s *Session) State() State      { return State(s.state.Load()) }
func (s *Session) Established() bool { return s.State() == Established }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// RemoteFingerprint is empty until the handshake has received the peer's key.
func (s *Session) RemoteFingerprint() string {
	if h := s.remoteHash.Load(); h != nil {
		return *h
	}
	return ""
}

// SendPlain writes msg without encryption. Only handshake messages should
// travel this way.
func (s *Session) SendPlain(msg protocol.Message) error {
	if s.State().Terminal() {
		return ErrSessionClosed
	}
	payload, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return s.write(msg.Type(), payload)
}

// SendEncrypted seals msg with the session key and sends it as an enc frame.
func (s *Session) SendEncrypted(msg protocol.Message) error {
	switch st := s.State(); {
	case st.Terminal():
		return ErrSessionClosed
	case st != Established:
		return fmt.Errorf("%w: state %s", ErrNotEstablished, st)
	}
	if !msg.Type().IsApplication() {
		return fmt.Errorf("%w: %s cannot be sent encrypted", protocol.ErrInvalidMessage, msg.Type())
	}

	plaintext, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	sealed, err := s.cipher.Seal(plaintext)
	if err != nil {
		return err
	}
	payload, err := protocol.Marshal(protocol.Enc{Data: base64.StdEncoding.EncodeToString(sealed)})
	if err != nil {
		return err
	}
	return s.write(msg.Type(), payload)
}

func (s *Session) write(t protocol.MessageType, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.State().Terminal() {
		return ErrSessionClosed
	}
	if err := protocol.WriteFrame(s.conn, payload); err != nil {
		if protocol.IsClosed(err) || s.State().Terminal() {
			return fmt.Errorf("sending %s: %w: %w", t, ErrSessionClosed, err)
		}
		return fmt.Errorf("sending %s: %w", t, err)
	}
	s.log.Debugf("sent %s frame (%d bytes)", t, len(payload))
	return nil
}

// BeginTransfer waits until no other outbound transfer is running on this
// session. The returned func releases the slot.
func (s *Session) BeginTransfer(ctx context.Context) (func(), error) {
	select {
	case s.transfers <- struct{}{}:
		return func() { <-s.transfers }, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the socket, unblocking Run. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closing))
		s.closeErr = s.conn.Close()
		s.state.Store(int32(Closed))
		close(s.done)
	})
	return s.closeErr
}

// Run performs the handshake and then reads frames until the connection
// ends. It always closes the session before returning and reports why the
// loop stopped. ErrSessionClosed means Close was called locally.
func (s *Session) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	defer func() { _ = s.Close() }()

	if err := s.handshake(); err != nil {
		return s.exitErr(err)
	}
	s.log.Infof("session established as %s, remote key %s", s.role, s.RemoteFingerprint())
	if h.OnEstablished != nil {
		h.OnEstablished(s)
	}

	for {
		msg, err := s.codec.Decode(s.rd)
		if s.State().Terminal() {
			return ErrSessionClosed
		}
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrInvalidMessage) {
				s.warn(h, err)
				continue
			}
			return s.exitErr(err)
		}

		switch m := msg.(type) {
		case *protocol.Enc:
			s.receiveEnc(h, m)
		case *protocol.PubKey, *protocol.SessionKey:
			s.warn(h, fmt.Errorf("%w: ignoring %s after handshake", protocol.ErrInvalidMessage, msg.Type()))
		default:
			s.warn(h, fmt.Errorf("%w: dropping unencrypted %s", protocol.ErrInvalidMessage, msg.Type()))
		}
	}
}

func (s *Session) receiveEnc(h Handler, m *protocol.Enc) {
	sealed, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		s.warn(h, fmt.Errorf("%w: enc data is not base64", crypto.ErrDecryption))
		return
	}
	plaintext, err := s.cipher.Open(sealed)
	if err != nil {
		s.warn(h, err)
		return
	}

	inner, err := protocol.Parse(plaintext)
	if err != nil {
		s.warn(h, err)
		return
	}
	if !inner.Type().IsApplication() {
		s.warn(h, fmt.Errorf("%w: %s inside enc", protocol.ErrInvalidMessage, inner.Type()))
		return
	}
	s.log.Debugf("received %s", inner.Type())
	// frames still buffered after Close are not delivered
	if s.State().Terminal() {
		return
	}
	if h.OnMessage != nil {
		h.OnMessage(s, inner)
	}
}

func (s *Session) warn(h Handler, err error) {
	s.log.Warnf("%v", err)
	if h.OnWarning != nil {
		h.OnWarning(s, err)
	}
}

func (s *Session) exitErr(err error) error {
	if s.State().Terminal() {
		return ErrSessionClosed
	}
	return err
}

func (s *Session) handshake() (err error) {
	if s.keys == nil {
		return fmt.Errorf("%w: no local key pair", ErrHandshake)
	}
	if s.role == Initiator && !s.state.CompareAndSwap(int32(Connecting), int32(Handshaking)) {
		return ErrSessionClosed
	}
	if s.State() != Handshaking {
		return ErrSessionClosed
	}

	if s.handshakeTimeout > 0 {
		if err := s.conn.SetDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
			return fmt.Errorf("%w: setting deadline: %w", ErrHandshake, err)
		}
		defer func() {
			if resetErr := s.conn.SetDeadline(time.Time{}); resetErr != nil && err == nil {
				err = fmt.Errorf("%w: clearing deadline: %w", ErrHandshake, resetErr)
			}
		}()
	}

	var c *crypto.SessionCipher
	if s.role == Initiator {
		c, err = s.initiatorHandshake()
	} else {
		c, err = s.acceptorHandshake()
	}
	if err != nil {
		return err
	}

	s.cipher = c
	fp := crypto.Fingerprint(s.remotePub)
	s.remoteHash.Store(&fp)
	if !s.state.CompareAndSwap(int32(Handshaking), int32(Established)) {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) initiatorHandshake() (*crypto.SessionCipher, error) {
	if err := s.SendPlain(protocol.PubKey{Key: s.keys.PublicPEM()}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := s.readRemoteKey(); err != nil {
		return nil, err
	}

	msg, err := s.expect(protocol.MsgSessionKey)
	if err != nil {
		return nil, err
	}
	blob, err := base64.StdEncoding.DecodeString(msg.(*protocol.SessionKey).Data)
	if err != nil {
		return nil, fmt.Errorf("%w: session key is not base64", ErrHandshake)
	}
	key, err := s.keys.UnwrapKey(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return newCipher(key)
}

func (s *Session) acceptorHandshake() (*crypto.SessionCipher, error) {
	if err := s.readRemoteKey(); err != nil {
		return nil, err
	}
	if err := s.SendPlain(protocol.PubKey{Key: s.keys.PublicPEM()}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	key, err := crypto.NewSessionKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	blob, err := crypto.WrapKey(s.remotePub, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := s.SendPlain(protocol.SessionKey{Data: base64.StdEncoding.EncodeToString(blob)}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return newCipher(key)
}

func (s *Session) readRemoteKey() error {
	msg, err := s.expect(protocol.MsgPubKey)
	if err != nil {
		return err
	}
	pub, err := crypto.ParsePublicKey(msg.(*protocol.PubKey).Key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	s.remotePub = pub
	return nil
}

func (s *Session) expect(t protocol.MessageType) (protocol.Message, error) {
	msg, err := s.codec.Decode(s.rd)
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for %s: %w", ErrHandshake, t, err)
	}
	if msg.Type() != t {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrHandshake, t, msg.Type())
	}
	return msg, nil
}

func newCipher(key []byte) (*crypto.SessionCipher, error) {
	c, err := crypto.NewSessionCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return c, nil
}

// sessionKey exposes the negotiated key to tests.
func (s *Session) sessionKey() []byte {
	if s.cipher == nil {
		return nil
	}
	return s.cipher.Key()
}
