package dispatch

import (
	"github.com/hashicorp/go-msgpack/codec"

	"github.com/bluesea-net/sdn-network/kv"
)

var msgpackHandle = &codec.MsgpackHandle{}

func encodeRemoteEvent(ev kv.RemoteEvent) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(&ev); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeLocalEvent(data []byte) (kv.LocalEvent, error) {
	var ev kv.LocalEvent
	dec := codec.NewDecoderBytes(data, msgpackHandle)
	if err := dec.Decode(&ev); err != nil {
		return kv.LocalEvent{}, err
	}
	return ev, nil
}
