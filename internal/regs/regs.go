// Package regs provides 32-bit register access to the NIC's PCIe BAR and
// an in-memory register file with the same layout.
package regs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// MapSize is the size of the BAR window mapped for register access
const MapSize = 0x400000

var (
	// ErrUnaligned is returned for offsets that are not 4-byte aligned
	ErrUnaligned = errors.New("register offset not 4-byte aligned")
	// ErrOutOfRange is returned for offsets outside the mapped window
	ErrOutOfRange = errors.New("register offset outside mapped window")
)

// Space is a 32-bit register address space
type Space interface {
	Read32(offset uint32) (uint32, error)
	Write32(offset uint32, value uint32) error
	Size() uint32
}

func checkOffset(offset, size uint32) error {
	if offset%4 != 0 {
		return fmt.Errorf("%w: 0x%08x", ErrUnaligned, offset)
	}
	if size < 4 || offset > size-4 {
		return fmt.Errorf("%w: 0x%08x (window 0x%x)", ErrOutOfRange, offset, size)
	}
	return nil
}

// Mem is an in-memory register space
type Mem struct {
	mu   sync.Mutex
	data []byte
}

// NewMem creates a zeroed register space of size bytes
func NewMem(size uint32) *Mem {
	return &Mem{data: make([]byte, size)}
}

func (m *Mem) Read32(offset uint32) (uint32, error) {
	if err := checkOffset(offset, m.Size()); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return binary.LittleEndian.Uint32(m.data[offset:]), nil
}

func (m *Mem) Write32(offset uint32, value uint32) error {
	if err := checkOffset(offset, m.Size()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint32(m.data[offset:], value)
	return nil
}

func (m *Mem) Size() uint32 {
	return uint32(len(m.data))
}

// WriteResult is the outcome of a write followed by a read-back
type WriteResult struct {
	Offset   uint32
	Written  uint32
	ReadBack uint32
}

// Match reports whether the read-back value equals the written value.
// A mismatch is not an error: read-only registers ignore writes.
func (r WriteResult) Match() bool {
	return r.Written == r.ReadBack
}

// WriteVerify writes value and reads it back
func WriteVerify(s Space, offset, value uint32) (WriteResult, error) {
	res := WriteResult{Offset: offset, Written: value}
	if err := s.Write32(offset, value); err != nil {
		return res, err
	}
	rb, err := s.Read32(offset)
	if err != nil {
		return res, err
	}
	res.ReadBack = rb
	return res, nil
}

// FormatBinary renders v as 32 bits, most significant first, grouped by byte
func FormatBinary(v uint32) string {
	var sb strings.Builder
	for i := 31; i >= 0; i-- {
		if v&(1<<uint(i)) != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
		if i%8 == 0 && i > 0 {
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}
