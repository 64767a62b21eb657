package model

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the wire format.
const (
	fieldMessageJoinReq protowire.Number = 1
	fieldMessageSync    protowire.Number = 2
	fieldMessageForward protowire.Number = 3

	fieldPeerUsername protowire.Number = 1
	fieldPeerAddress  protowire.Number = 2

	fieldRoomName      protowire.Number = 1
	fieldRoomHierarchy protowire.Number = 2
	fieldRoomVersion   protowire.Number = 3

	fieldForwardAuthor       protowire.Number = 1
	fieldForwardText         protowire.Number = 2
	fieldForwardNotification protowire.Number = 3
)

var (
	ErrDecode           = errors.New("unable to decode message")
	ErrEncode           = errors.New("unable to encode message")
	ErrNoPayload        = errors.New("message has no payload")
	ErrMultiplePayloads = errors.New("message has more than one payload")
	ErrNoForwardBody    = errors.New("forward has no body")
)

// Encode serializes msg in protobuf wire format.
func Encode(msg Message) ([]byte, error) {
	var b []byte
	switch p := msg.Payload.(type) {
	case JoinReq:
		b = protowire.AppendTag(b, fieldMessageJoinReq, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPeer(nil, p.Peer))
	case Sync:
		b = protowire.AppendTag(b, fieldMessageSync, protowire.BytesType)
		b = protowire.AppendBytes(b, appendRoom(nil, p.Room))
	case Forward:
		fwd, err := appendForward(nil, p)
		if err != nil {
			return nil, errors.Join(ErrEncode, err)
		}
		b = protowire.AppendTag(b, fieldMessageForward, protowire.BytesType)
		b = protowire.AppendBytes(b, fwd)
	case nil:
		return nil, errors.Join(ErrEncode, ErrNoPayload)
	default:
		return nil, errors.Join(ErrEncode, fmt.Errorf("unknown payload type %T", p))
	}
	return b, nil
}

// Decode parses a message produced by Encode.
func Decode(b []byte) (Message, error) {
	var msg Message
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.BytesType || num < fieldMessageJoinReq || num > fieldMessageForward {
			return skip(num, typ, v)
		}
		raw, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		if msg.Payload != nil {
			return 0, ErrMultiplePayloads
		}
		var err error
		switch num {
		case fieldMessageJoinReq:
			var p Peer
			p, err = decodePeer(raw)
			msg.Payload = JoinReq{Peer: p}
		case fieldMessageSync:
			var r Room
			r, err = decodeRoom(raw)
			msg.Payload = Sync{Room: r}
		case fieldMessageForward:
			var f Forward
			f, err = decodeForward(raw)
			msg.Payload = f
		}
		return n, err
	})
	if err != nil {
		return Message{}, errors.Join(ErrDecode, err)
	}
	if msg.Payload == nil {
		return Message{}, errors.Join(ErrDecode, ErrNoPayload)
	}
	return msg, nil
}

func appendPeer(b []byte, p Peer) []byte {
	b = protowire.AppendTag(b, fieldPeerUsername, protowire.BytesType)
	b = protowire.AppendString(b, p.Username)
	b = protowire.AppendTag(b, fieldPeerAddress, protowire.BytesType)
	b = protowire.AppendString(b, p.Address)
	return b
}

func appendRoom(b []byte, r Room) []byte {
	b = protowire.AppendTag(b, fieldRoomName, protowire.BytesType)
	b = protowire.AppendString(b, r.Name)
	for _, p := range r.Hierarchy {
		b = protowire.AppendTag(b, fieldRoomHierarchy, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPeer(nil, p))
	}
	b = protowire.AppendTag(b, fieldRoomVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Version)
	return b
}

func appendForward(b []byte, f Forward) ([]byte, error) {
	b = protowire.AppendTag(b, fieldForwardAuthor, protowire.BytesType)
	b = protowire.AppendBytes(b, appendPeer(nil, f.Author))
	switch body := f.Body.(type) {
	case Text:
		b = protowire.AppendTag(b, fieldForwardText, protowire.BytesType)
		b = protowire.AppendString(b, string(body))
	case Notification:
		b = protowire.AppendTag(b, fieldForwardNotification, protowire.BytesType)
		b = protowire.AppendString(b, string(body))
	default:
		return nil, fmt.Errorf("unknown forward payload type %T", body)
	}
	return b, nil
}

func decodePeer(b []byte) (Peer, error) {
	var p Peer
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.BytesType {
			return skip(num, typ, v)
		}
		switch num {
		case fieldPeerUsername:
			return consumeString(v, &p.Username)
		case fieldPeerAddress:
			return consumeString(v, &p.Address)
		default:
			return skip(num, typ, v)
		}
	})
	return p, err
}

// decodeRoom always returns a non-nil hierarchy, the wire format does not
// tell an empty one from a missing one.
func decodeRoom(b []byte) (Room, error) {
	r := Room{Hierarchy: Hierarchy{}}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == fieldRoomName && typ == protowire.BytesType:
			return consumeString(v, &r.Name)
		case num == fieldRoomHierarchy && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			p, err := decodePeer(raw)
			if err != nil {
				return 0, err
			}
			r.Hierarchy = append(r.Hierarchy, p)
			return n, nil
		case num == fieldRoomVersion && typ == protowire.VarintType:
			ver, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Version = ver
			return n, nil
		default:
			return skip(num, typ, v)
		}
	})
	return r, err
}

func decodeForward(b []byte) (Forward, error) {
	var f Forward
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.BytesType {
			return skip(num, typ, v)
		}
		switch num {
		case fieldForwardAuthor:
			raw, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			p, err := decodePeer(raw)
			f.Author = p
			return n, err
		case fieldForwardText:
			var s string
			n, err := consumeString(v, &s)
			f.Body = Text(s)
			return n, err
		case fieldForwardNotification:
			var s string
			n, err := consumeString(v, &s)
			f.Body = Notification(s)
			return n, err
		default:
			return skip(num, typ, v)
		}
	})
	if err == nil && f.Body == nil {
		err = ErrNoForwardBody
	}
	return f, err
}

// consumeFields walks over the top level fields of b. fn receives the
// bytes following the tag and returns how many of them it consumed.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func consumeString(b []byte, dst *string) (int, error) {
	s, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = s
	return n, nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}
