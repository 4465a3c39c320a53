package softnic

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// BTHSize is the size of the base transport header
	BTHSize = 12
	// RETHSize is the size of the RDMA extended transport header
	RETHSize = 16
	// AETHSize is the size of the ACK extended transport header
	AETHSize = 4
	// PMTU is the largest payload carried by one response packet
	PMTU = 1024
	// MaxPacketSize bounds a datagram on the engine socket
	MaxPacketSize = BTHSize + AETHSize + PMTU
)

// RC opcodes used by the engine
const (
	OpReadRequest       uint8 = 0x0C
	OpReadResponseFirst uint8 = 0x0D
	OpReadResponseMid   uint8 = 0x0E
	OpReadResponseLast  uint8 = 0x0F
	OpReadResponseOnly  uint8 = 0x10
	OpAcknowledge       uint8 = 0x11
)

// AETH syndromes
const (
	SyndromeACK            uint8 = 0x00
	SyndromePSNSeqError    uint8 = 0x60
	SyndromeInvalidRequest uint8 = 0x61
	SyndromeRemoteAccess   uint8 = 0x62
	SyndromeRemoteOpError  uint8 = 0x63
)

var errShortPacket = errors.New("packet shorter than its headers")

// BTH is the base transport header
type BTH struct {
	Opcode uint8
	Flags  uint8
	PKey   uint16
	DestQP uint32
	PSN    uint32
}

// RETH describes the remote memory of a READ request
type RETH struct {
	VA     uint64
	RKey   uint32
	Length uint32
}

// AETH carries the acknowledgement syndrome and message sequence number
type AETH struct {
	Syndrome uint8
	MSN      uint32
}

// Packet is one engine datagram
type Packet struct {
	BTH
	RETH    RETH
	AETH    AETH
	Payload []byte
}

func hasRETH(op uint8) bool {
	return op == OpReadRequest
}

func hasAETH(op uint8) bool {
	switch op {
	case OpReadResponseFirst, OpReadResponseLast, OpReadResponseOnly, OpAcknowledge:
		return true
	}
	return false
}

func isReadResponse(op uint8) bool {
	return op >= OpReadResponseFirst && op <= OpReadResponseOnly
}

// Marshal encodes p in network byte order
func (p *Packet) Marshal() []byte {
	n := BTHSize + len(p.Payload)
	if hasRETH(p.Opcode) {
		n += RETHSize
	}
	if hasAETH(p.Opcode) {
		n += AETHSize
	}
	b := make([]byte, n)

	b[0] = p.Opcode
	b[1] = p.Flags
	binary.BigEndian.PutUint16(b[2:4], p.PKey)
	binary.BigEndian.PutUint32(b[4:8], p.DestQP&0xffffff)
	binary.BigEndian.PutUint32(b[8:12], p.PSN&0xffffff)
	off := BTHSize

	if hasRETH(p.Opcode) {
		binary.BigEndian.PutUint64(b[off:], p.RETH.VA)
		binary.BigEndian.PutUint32(b[off+8:], p.RETH.RKey)
		binary.BigEndian.PutUint32(b[off+12:], p.RETH.Length)
		off += RETHSize
	}
	if hasAETH(p.Opcode) {
		binary.BigEndian.PutUint32(b[off:], uint32(p.AETH.Syndrome)<<24|p.AETH.MSN&0xffffff)
		off += AETHSize
	}
	copy(b[off:], p.Payload)
	return b
}

// ParsePacket decodes a datagram. The payload aliases b.
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < BTHSize {
		return nil, fmt.Errorf("%w: %d bytes", errShortPacket, len(b))
	}
	p := &Packet{}
	p.Opcode = b[0]
	p.Flags = b[1]
	p.PKey = binary.BigEndian.Uint16(b[2:4])
	p.DestQP = binary.BigEndian.Uint32(b[4:8]) & 0xffffff
	p.PSN = binary.BigEndian.Uint32(b[8:12]) & 0xffffff
	off := BTHSize

	if hasRETH(p.Opcode) {
		if len(b) < off+RETHSize {
			return nil, fmt.Errorf("%w: opcode 0x%02x without RETH", errShortPacket, p.Opcode)
		}
		p.RETH.VA = binary.BigEndian.Uint64(b[off:])
		p.RETH.RKey = binary.BigEndian.Uint32(b[off+8:])
		p.RETH.Length = binary.BigEndian.Uint32(b[off+12:])
		off += RETHSize
	}
	if hasAETH(p.Opcode) {
		if len(b) < off+AETHSize {
			return nil, fmt.Errorf("%w: opcode 0x%02x without AETH", errShortPacket, p.Opcode)
		}
		v := binary.BigEndian.Uint32(b[off:])
		p.AETH.Syndrome = uint8(v >> 24)
		p.AETH.MSN = v & 0xffffff
		off += AETHSize
	}
	p.Payload = b[off:]
	return p, nil
}

// responseOpcode picks the READ response opcode for segment i of n
func responseOpcode(i, n int) uint8 {
	switch {
	case n == 1:
		return OpReadResponseOnly
	case i == 0:
		return OpReadResponseFirst
	case i == n-1:
		return OpReadResponseLast
	default:
		return OpReadResponseMid
	}
}

// segments is the number of response packets for a READ of length bytes
func segments(length uint32) int {
	if length == 0 {
		return 1
	}
	return int((length + PMTU - 1) / PMTU)
}
