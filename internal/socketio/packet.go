// Package socketio implements the subset of the socket.io protocol
// (engine.io v4 over a websocket, no polling fallback) that the monitoring
// service speaks: named events, per-request acknowledgements, and the
// server-driven ping/pong keepalive.
package socketio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Engine.io packet types occupy the first byte of a frame; a message frame
// ('4') carries a socket.io packet whose type is the second byte.
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'

	socketConnect      = '0'
	socketDisconnect   = '1'
	socketEvent        = '2'
	socketAck          = '3'
	socketConnectError = '4'
)

// handshake is the payload of the engine.io open packet. Intervals are in
// milliseconds.
type handshake struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

type frameKind int

const (
	frameOpen frameKind = iota
	frameClose
	framePing
	framePong
	frameConnect
	frameConnectError
	frameDisconnect
	frameEvent
	frameAck
)

type frame struct {
	kind    frameKind
	payload []byte
	event   string
	args    []json.RawMessage
	ackID   int64
	hasAck  bool
}

func parseFrame(data []byte) (frame, error) {
	if len(data) == 0 {
		return frame{}, fmt.Errorf("empty frame")
	}
	switch data[0] {
	case engineOpen:
		return frame{kind: frameOpen, payload: data[1:]}, nil
	case engineClose:
		return frame{kind: frameClose}, nil
	case enginePing:
		return frame{kind: framePing, payload: data[1:]}, nil
	case enginePong:
		return frame{kind: framePong, payload: data[1:]}, nil
	case engineMessage:
		return parseMessage(data[1:])
	default:
		return frame{}, fmt.Errorf("unknown engine.io packet type %q", data[0])
	}
}

func parseMessage(data []byte) (frame, error) {
	if len(data) == 0 {
		return frame{}, fmt.Errorf("empty socket.io message")
	}
	switch data[0] {
	case socketConnect:
		return frame{kind: frameConnect, payload: data[1:]}, nil
	case socketDisconnect:
		return frame{kind: frameDisconnect}, nil
	case socketConnectError:
		return frame{kind: frameConnectError, payload: data[1:]}, nil
	case socketEvent:
		return parseEvent(data[1:])
	case socketAck:
		return parseAck(data[1:])
	default:
		return frame{}, fmt.Errorf("unknown socket.io packet type %q", data[0])
	}
}

func parseEvent(data []byte) (frame, error) {
	ackID, hasAck, rest := splitAckID(data)
	args, err := decodeArgs(rest)
	if err != nil {
		return frame{}, fmt.Errorf("decode event payload: %w", err)
	}
	if len(args) == 0 {
		return frame{}, fmt.Errorf("event frame without a name")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return frame{}, fmt.Errorf("decode event name: %w", err)
	}
	return frame{kind: frameEvent, event: name, args: args[1:], ackID: ackID, hasAck: hasAck}, nil
}

func parseAck(data []byte) (frame, error) {
	ackID, hasAck, rest := splitAckID(data)
	if !hasAck {
		return frame{}, fmt.Errorf("ack frame without an id")
	}
	args, err := decodeArgs(rest)
	if err != nil {
		return frame{}, fmt.Errorf("decode ack payload: %w", err)
	}
	return frame{kind: frameAck, args: args, ackID: ackID, hasAck: true}, nil
}

func splitAckID(data []byte) (int64, bool, []byte) {
	i := 0
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, false, data
	}
	id, err := strconv.ParseInt(string(data[:i]), 10, 64)
	if err != nil {
		return 0, false, data
	}
	return id, true, data[i:]
}

func decodeArgs(data []byte) ([]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func encodeEvent(event string, args []any, ackID int64, hasAck bool) ([]byte, error) {
	elems := make([]any, 0, len(args)+1)
	elems = append(elems, event)
	elems = append(elems, args...)
	payload, err := json.Marshal(elems)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte(engineMessage)
	buf.WriteByte(socketEvent)
	if hasAck {
		buf.WriteString(strconv.FormatInt(ackID, 10))
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// encodeAckReply builds an empty acknowledgement for a server-initiated
// event that requested one.
func encodeAckReply(ackID int64) []byte {
	return []byte(fmt.Sprintf("%c%c%d[]", engineMessage, socketAck, ackID))
}

func encodeConnect() []byte {
	return []byte{engineMessage, socketConnect}
}

func encodePong() []byte {
	return []byte{enginePong}
}
