package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodec_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "join request",
			msg:  Message{Payload: JoinReq{Peer: peerA}},
		},
		{
			name: "sync",
			msg: Message{Payload: Sync{Room: Room{
				Name:      "brave-otter-sings",
				Hierarchy: Hierarchy{peerA, peerB, peerC},
				Version:   42,
			}}},
		},
		{
			name: "sync with empty hierarchy",
			msg:  Message{Payload: Sync{Room: Room{Name: "quiet-heron-waits", Hierarchy: Hierarchy{}, Version: 7}}},
		},
		{
			name: "forward text",
			msg:  Message{Payload: Forward{Author: peerB, Body: Text("hi")}},
		},
		{
			name: "forward empty text",
			msg:  Message{Payload: Forward{Author: peerB, Body: Text("")}},
		},
		{
			name: "forward notification",
			msg:  Message{Payload: Forward{Author: peerC, Body: Notification("carol waves")}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestCodec_EncodeErrors(t *testing.T) {
	_, err := Encode(Message{})
	assert.ErrorIs(t, err, ErrEncode)
	assert.ErrorIs(t, err, ErrNoPayload)

	_, err = Encode(Message{Payload: Forward{Author: peerA}})
	assert.ErrorIs(t, err, ErrEncode)
}

func TestCodec_DecodeErrors(t *testing.T) {
	valid, err := Encode(Message{Payload: JoinReq{Peer: peerA}})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "truncated", data: valid[:len(valid)-3]},
		{name: "garbage", data: []byte{0xff, 0xff, 0xff}},
		{name: "two payloads", data: append(append([]byte{}, valid...), valid...)},
		{
			name: "forward without body",
			data: protowire.AppendBytes(
				protowire.AppendTag(nil, fieldMessageForward, protowire.BytesType),
				protowire.AppendBytes(protowire.AppendTag(nil, fieldForwardAuthor, protowire.BytesType), appendPeer(nil, peerA)),
			),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestCodec_SkipsUnknownFields(t *testing.T) {
	b, err := Encode(Message{Payload: JoinReq{Peer: peerA}})
	require.NoError(t, err)

	b = protowire.AppendTag(b, 15, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, Message{Payload: JoinReq{Peer: peerA}}, got)
}
