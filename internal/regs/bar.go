package regs

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// BAR is a memory-mapped PCIe BAR window.
//
// Accesses use 32-bit atomic loads and stores, which the Go memory model
// orders as sequentially consistent; on arm64 they compile to acquire and
// release instructions so no separate barrier is required. Every write is
// followed by a read-back so the posted write reaches the device before the
// call returns.
type BAR struct {
	path string
	file *os.File
	mem  []byte
}

// OpenBAR maps size bytes of the PCIe resource file at path
func OpenBAR(path string, size uint32) (*BAR, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCIe resource %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap PCIe resource %s: %w", path, err)
	}

	log.Debug().Str("resource", path).Str("size", fmt.Sprintf("0x%x", size)).Msg("Mapped PCIe BAR space")
	return &BAR{path: path, file: f, mem: mem}, nil
}

func (b *BAR) word(offset uint32) (*uint32, error) {
	if b.mem == nil {
		return nil, fmt.Errorf("BAR %s is closed", b.path)
	}
	if err := checkOffset(offset, b.Size()); err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&b.mem[offset])), nil
}

func (b *BAR) Read32(offset uint32) (uint32, error) {
	p, err := b.word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

func (b *BAR) Write32(offset uint32, value uint32) error {
	p, err := b.word(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, value)
	_ = atomic.LoadUint32(p)
	return nil
}

func (b *BAR) Size() uint32 {
	return uint32(len(b.mem))
}

// Close unmaps the window and closes the resource file
func (b *BAR) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	if cerr := b.file.Close(); err == nil {
		err = cerr
	}
	return err
}
