package rdma

import (
	"fmt"
	"net"
	"strings"
)

// Convention constants shared out-of-band by both ends of a session.
// They are the defaults injected into the session configuration; neither
// end negotiates them over the coordination channel.
const (
	// DefaultRKey is the access key the server registers its buffer under
	DefaultRKey uint32 = 0x0008
	// DefaultPKey is the partition key carried in every packet
	DefaultPKey uint32 = 0x1234
	// DefaultPSNSeed is the receive PSN; the send PSN is seed+1
	DefaultPSNSeed uint32 = 0xabc
	// DefaultQPDepth is the send/receive queue depth
	DefaultQPDepth = 64
	// DefaultQPID is the QP identifier used when none is configured
	DefaultQPID uint32 = 2
	// DefaultPDIndex is the single protection domain used by a session
	DefaultPDIndex uint32 = 0

	// AuxOffset is the offset from the data buffer base of the auxiliary
	// region handed to the QP at allocation time
	AuxOffset = 64

	// PSNMask limits packet sequence numbers to 24 bits
	PSNMask uint32 = 0xffffff
	// QPNMask limits QP identifiers to 24 bits
	QPNMask uint32 = 0xffffff
)

// Location is the memory class a buffer or QP resides in
type Location int

const (
	// LocationHost is host memory, directly addressable by the process
	LocationHost Location = iota
	// LocationDevice is device-local memory, reachable only through DMA copies
	LocationDevice
)

// ParseLocation accepts both the short (host, device) and the long
// (host_mem, dev_mem) spellings.
func ParseLocation(s string) (Location, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "host", "host_mem":
		return LocationHost, nil
	case "device", "dev_mem":
		return LocationDevice, nil
	default:
		return 0, fmt.Errorf("%w: %q (use host_mem or dev_mem)", ErrInvalidLocation, s)
	}
}

func (l Location) String() string {
	switch l {
	case LocationHost:
		return "host_mem"
	case LocationDevice:
		return "dev_mem"
	default:
		return fmt.Sprintf("location(%d)", int(l))
	}
}

// MAC is a 48-bit Ethernet address
type MAC [6]byte

// ParseMAC parses a colon separated MAC address
func ParseMAC(s string) (MAC, error) {
	var m MAC
	hw, err := net.ParseMAC(s)
	if err != nil {
		return m, err
	}
	if len(hw) != len(m) {
		return m, fmt.Errorf("not an EUI-48 address: %s", s)
	}
	copy(m[:], hw)
	return m, nil
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// Uint64 returns the address packed into the low 48 bits, first octet most significant
func (m MAC) Uint64() uint64 {
	var v uint64
	for _, b := range m {
		v = v<<8 | uint64(b)
	}
	return v
}

// IPv4ToUint32 converts a dotted IPv4 address to its host integer form
func IPv4ToUint32(ip net.IP) (uint32, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address: %s", ip)
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), nil
}

// Buffer is a DMA-capable buffer allocated by a Device.
//
// VA is the address the buffer is registered under and the address a peer
// supplies as the remote operand of a READ. DMA is the bus address the
// engine uses for local transfers. Host-memory buffers also expose their
// bytes; device-memory buffers must be accessed through Device.ReadDMA and
// Device.WriteDMA.
type Buffer struct {
	VA       uint64
	DMA      uint64
	Size     int
	Location Location

	host []byte
}

// NewBuffer is used by Device implementations to describe an allocation.
// host must be nil for device memory.
func NewBuffer(va, dma uint64, size int, loc Location, host []byte) *Buffer {
	return &Buffer{VA: va, DMA: dma, Size: size, Location: loc, host: host}
}

// Bytes returns the host-visible view of the buffer
func (b *Buffer) Bytes() ([]byte, error) {
	if b.Location != LocationHost || b.host == nil {
		return nil, ErrNotHostAddressable
	}
	return b.host, nil
}

// Contains reports whether [addr, addr+length) lies within the buffer
func (b *Buffer) Contains(addr uint64, length int) bool {
	if length < 0 || addr < b.VA {
		return false
	}
	end := addr + uint64(length)
	return end >= addr && end <= b.VA+uint64(b.Size)
}

// EngineAttr configures the RDMA engine when a device is opened
type EngineAttr struct {
	SrcMAC  MAC
	SrcIP   net.IP
	UDPPort uint16
}

// QPAttr binds a queue pair to its peer, protection domain and buffer
type QPAttr struct {
	ID       uint32
	RemoteID uint32
	PD       uint32
	// BufferBase is the DMA address of the QP's data buffer
	BufferBase uint64
	// AuxBase is the DMA address of the auxiliary region, BufferBase+AuxOffset
	AuxBase     uint64
	Depth       int
	Location    Location
	PeerMAC     MAC
	PeerIP      net.IP
	PeerUDPPort uint16
	PKey        uint32
	RKey        uint32
}

// Opcode is a work request operation
type Opcode uint8

const (
	// OpWrite is an RDMA WRITE
	OpWrite Opcode = 0x00
	// OpWriteImmediate is an RDMA WRITE with immediate data
	OpWriteImmediate Opcode = 0x01
	// OpSend is a two-sided SEND
	OpSend Opcode = 0x02
	// OpRead is an RDMA READ
	OpRead Opcode = 0x04
)

func (o Opcode) String() string {
	switch o {
	case OpWrite:
		return "WRITE"
	case OpWriteImmediate:
		return "WRITE_IMM"
	case OpSend:
		return "SEND"
	case OpRead:
		return "READ"
	default:
		return fmt.Sprintf("opcode(0x%02x)", uint8(o))
	}
}

// WQE is a single work queue element
type WQE struct {
	WRID       uint16
	Opcode     Opcode
	LocalAddr  uint64
	Length     uint32
	RemoteAddr uint64
	RKey       uint32
	Immediate  uint32
}
