package tcp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

// maxFrameLen guards against a corrupt/hostile length prefix causing an
// unbounded allocation.
const maxFrameLen = 16 << 20

var msgpackHandle = &codec.MsgpackHandle{}

// writeFrame writes a 4-byte big-endian length prefix followed by the
// msgpack encoding of msg.
func writeFrame(w io.Writer, msg tcpMsg) error {
	var body []byte
	enc := codec.NewEncoderBytes(&body, msgpackHandle)
	if err := enc.Encode(&msg); err != nil {
		return fmt.Errorf("tcp: encode frame: %w", err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("tcp: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("tcp: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed msgpack frame.
func readFrame(r io.Reader) (tcpMsg, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return tcpMsg{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameLen {
		return tcpMsg{}, fmt.Errorf("tcp: frame too large (%d bytes)", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return tcpMsg{}, fmt.Errorf("tcp: read frame body: %w", err)
	}

	var msg tcpMsg
	dec := codec.NewDecoderBytes(body, msgpackHandle)
	if err := dec.Decode(&msg); err != nil {
		return tcpMsg{}, fmt.Errorf("tcp: decode frame: %w", err)
	}
	return msg, nil
}
