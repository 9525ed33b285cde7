package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrFraming          = errors.New("framing error")
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrUnknownType      = errors.New("unknown message type")
	ErrInvalidMessage   = errors.New("invalid message")
)

// AppendFrame prefixes payload with its length as a big-endian uint32.
func AppendFrame(dst, payload []byte) []byte {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	dst = append(dst, header[:]...)
	return append(dst, payload...)
}

// WriteFrame writes header and payload with a single Write call so that
// callers holding a write lock never interleave partial frames.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload))
	return err
}

func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameLimit(r, 0)
}

// ReadFrameLimit reads one frame, rejecting declared lengths above max.
// A max of 0 disables the check.
func ReadFrameLimit(r io.Reader, max uint32) ([]byte, error) {
	header, err := readExact(r, HeaderSize)
	if err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if max > 0 && length > max {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, length, max)
	}

	payload, err := readExact(r, int(length))
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return nil, fmt.Errorf("%w: stream ended inside a %d byte payload: %w", ErrFraming, length, err)
		}
		return nil, err
	}
	return payload, nil
}

// readExact keeps reading until n bytes have arrived. End of stream before
// that point is reported as ErrConnectionClosed.
func readExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := r.Read(buf[read:])
		read += m
		if read == n {
			break
		}
		if err != nil {
			if isClosed(err) {
				return nil, fmt.Errorf("%w: got %d of %d bytes", ErrConnectionClosed, read, n)
			}
			return nil, err
		}
	}
	return buf, nil
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// IsClosed reports whether err means the peer or the local side closed the stream.
func IsClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || isClosed(err)
}

// Encode serializes any JSON value into a length-prefixed frame.
func Encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding frame payload: %w", err)
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload), nil
}

// Decode reads one frame and parses it as a JSON object.
func Decode(r io.Reader) (map[string]any, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}

	var v map[string]any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFraming, err)
	}
	return v, nil
}
