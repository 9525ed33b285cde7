// Package ipc carries requests between the CLI and a running daemon over a
// unix socket. Every frame is a protobuf encoded structpb.Struct behind the
// same length prefix the peer protocol uses.
package ipc

import (
	"fmt"
	"io"

	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const maxFrameSize = 4 * 1024 * 1024

func WriteMessage(w io.Writer, m map[string]any) error {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return fmt.Errorf("building ipc message: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshalling ipc message: %w", err)
	}
	return protocol.WriteFrame(w, data)
}

func ReadMessage(r io.Reader) (map[string]any, error) {
	data, err := protocol.ReadFrameLimit(r, maxFrameSize)
	if err != nil {
		return nil, err
	}
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrFraming, err)
	}
	return s.AsMap(), nil
}
