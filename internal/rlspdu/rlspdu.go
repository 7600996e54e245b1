// Package rlspdu implements the wire codec for the simulated radio-link
// (RLS) protocol exchanged between a UE and a gNB over UDP.
//
// Every datagram starts with a 9-byte header: a 1-byte message type
// followed by the 8-byte big-endian sender transport identifier (STI).
// The body layout depends on the message type. See MsgType for the
// on-wire values, which must not change.
package rlspdu

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MsgType is the on-wire RLS message type. Values 0-3 are reserved for
// opcodes the original protocol deprecated; they must be accepted by
// header decoding and ignored by dispatch, never rejected as malformed.
type MsgType uint8

const (
	reservedLow0 MsgType = 0
	reservedLow1 MsgType = 1
	reservedLow2 MsgType = 2
	reservedLow3 MsgType = 3

	Heartbeat           MsgType = 4
	HeartbeatAck        MsgType = 5
	PduTransmission     MsgType = 6
	PduTransmissionAck  MsgType = 7
)

// PduType distinguishes the two kinds of payload carried inside a
// PduTransmission body.
type PduType uint8

const (
	PduTypeRRC  PduType = 1
	PduTypeData PduType = 2
)

const headerLen = 1 + 8

// IsReserved reports whether t is one of the deprecated opcodes that
// must be ignored rather than treated as an error.
func IsReserved(t MsgType) bool {
	return t == reservedLow0 || t == reservedLow1 || t == reservedLow2 || t == reservedLow3
}

// DecodeHeader extracts the message type and sender transport identifier
// from any RLS datagram, without touching the body.
func DecodeHeader(raw []byte) (msgType MsgType, sti uint64, body []byte, err error) {
	if len(raw) < headerLen {
		err = fmt.Errorf("rlspdu: short header: %d bytes", len(raw))
		return
	}
	msgType = MsgType(raw[0])
	sti = binary.BigEndian.Uint64(raw[1:9])
	body = raw[9:]
	return
}

// EncodeHeader appends the common header to buf and returns the result.
func EncodeHeader(buf []byte, msgType MsgType, sti uint64) []byte {
	buf = append(buf, byte(msgType))
	var stiBytes [8]byte
	binary.BigEndian.PutUint64(stiBytes[:], sti)
	return append(buf, stiBytes[:]...)
}

// HeartbeatPDU is the periodic discovery beacon a UE sends to every
// search-space entry. Position is simulated and carries no real meaning.
type HeartbeatPDU struct {
	STI     uint64
	X, Y, Z float64
}

// Encode appends the wire form of p to buf.
func (p HeartbeatPDU) Encode(buf []byte) []byte {
	buf = EncodeHeader(buf, Heartbeat, p.STI)
	buf = appendFloat64(buf, p.X)
	buf = appendFloat64(buf, p.Y)
	buf = appendFloat64(buf, p.Z)
	return buf
}

// DecodeHeartbeat decodes the body of a Heartbeat message. sti is taken
// from the already-decoded header.
func DecodeHeartbeat(sti uint64, body []byte) (p HeartbeatPDU, err error) {
	if len(body) != 24 {
		err = fmt.Errorf("rlspdu: heartbeat: want 24 body bytes, got %d", len(body))
		return
	}
	p.STI = sti
	p.X = readFloat64(body[0:8])
	p.Y = readFloat64(body[8:16])
	p.Z = readFloat64(body[16:24])
	return
}

// HeartbeatAckPDU is the gNB's reply to a Heartbeat, carrying the
// simulated signal strength it observed.
type HeartbeatAckPDU struct {
	STI uint64
	Dbm int32
}

func (p HeartbeatAckPDU) Encode(buf []byte) []byte {
	buf = EncodeHeader(buf, HeartbeatAck, p.STI)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(p.Dbm))
	return append(buf, b[:]...)
}

func DecodeHeartbeatAck(sti uint64, body []byte) (p HeartbeatAckPDU, err error) {
	if len(body) != 4 {
		err = fmt.Errorf("rlspdu: heartbeat-ack: want 4 body bytes, got %d", len(body))
		return
	}
	p.STI = sti
	p.Dbm = int32(binary.BigEndian.Uint32(body))
	return
}

// PduTransmissionPDU carries one control-plane (RRC) or user-plane
// (DATA) PDU, tagged with a monotonic id for acknowledgement.
type PduTransmissionPDU struct {
	STI     uint64
	Type    PduType
	PduID   uint32
	Payload uint32 // channel hint for RRC, PSI for DATA
	PDU     []byte
}

func (p PduTransmissionPDU) Encode(buf []byte) []byte {
	buf = EncodeHeader(buf, PduTransmission, p.STI)
	buf = append(buf, byte(p.Type))
	buf = appendUint32(buf, p.PduID)
	buf = appendUint32(buf, p.Payload)
	buf = appendUint32(buf, uint32(len(p.PDU)))
	buf = append(buf, p.PDU...)
	return buf
}

func DecodePduTransmission(sti uint64, body []byte) (p PduTransmissionPDU, err error) {
	if len(body) < 13 {
		err = fmt.Errorf("rlspdu: pdu-transmission: short body: %d bytes", len(body))
		return
	}
	p.STI = sti
	p.Type = PduType(body[0])
	p.PduID = binary.BigEndian.Uint32(body[1:5])
	p.Payload = binary.BigEndian.Uint32(body[5:9])
	n := binary.BigEndian.Uint32(body[9:13])
	rest := body[13:]
	if uint32(len(rest)) != n {
		err = fmt.Errorf("rlspdu: pdu-transmission: declared len %d, got %d", n, len(rest))
		return
	}
	p.PDU = make([]byte, len(rest))
	copy(p.PDU, rest)
	return
}

// PduTransmissionAckPDU batches the ids the sender is acknowledging.
type PduTransmissionAckPDU struct {
	STI    uint64
	PduIDs []uint32
}

func (p PduTransmissionAckPDU) Encode(buf []byte) []byte {
	buf = EncodeHeader(buf, PduTransmissionAck, p.STI)
	buf = appendUint32(buf, uint32(len(p.PduIDs)))
	for _, id := range p.PduIDs {
		buf = appendUint32(buf, id)
	}
	return buf
}

func DecodePduTransmissionAck(sti uint64, body []byte) (p PduTransmissionAckPDU, err error) {
	if len(body) < 4 {
		err = fmt.Errorf("rlspdu: pdu-transmission-ack: short body: %d bytes", len(body))
		return
	}
	count := binary.BigEndian.Uint32(body[0:4])
	rest := body[4:]
	if uint32(len(rest)) != count*4 {
		err = fmt.Errorf("rlspdu: pdu-transmission-ack: declared count %d, got %d bytes", count, len(rest))
		return
	}
	p.STI = sti
	p.PduIDs = make([]uint32, count)
	for i := range p.PduIDs {
		p.PduIDs[i] = binary.BigEndian.Uint32(rest[i*4 : i*4+4])
	}
	return
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendFloat64(buf []byte, v float64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	return append(buf, b[:]...)
}

func readFloat64(b []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}
