//go:build reconic && cgo

package reconic

// #cgo LDFLAGS: -lreconic -lm
// #include <stdlib.h>
// #include <stdint.h>
// #include "reconic.h"
// #include "rdma_api.h"
//
// static struct rn_dev_t* rn_create(char* resource, int* fd, int hugepages, int num_qp) {
//     return create_rn_dev(resource, fd, hugepages, num_qp);
// }
//
// static struct rdma_buff_t* rn_alloc(struct rn_dev_t* dev, uint32_t size, char* loc) {
//     return allocate_rdma_buffer(dev, size, loc);
// }
//
// static uint64_t rn_buff_dma(struct rdma_buff_t* b) { return b->dma_addr; }
// static void* rn_buff_host(struct rdma_buff_t* b) { return b->buffer; }
//
// static void rn_open(struct rdma_dev_t* dev, uint32_t mac_lsb, uint32_t mac_msb, uint32_t ip, uint32_t udp_port,
//                     uint64_t data_addr, uint64_t ipkterr_addr, uint64_t err_addr, uint64_t resp_err_addr) {
//     struct mac_addr_t mac;
//     mac.mac_lsb = mac_lsb;
//     mac.mac_msb = mac_msb;
//     open_rdma_dev(dev, mac, ip, udp_port,
//                   4096, 4096, data_addr,
//                   8192, ipkterr_addr,
//                   256, 256, err_addr,
//                   65536, resp_err_addr);
// }
//
// static void rn_alloc_qp(struct rdma_dev_t* dev, uint32_t id, uint32_t remote_id, struct rdma_pd_t* pd,
//                         uint64_t base, uint64_t aux, uint32_t depth, char* loc,
//                         uint32_t mac_lsb, uint32_t mac_msb, uint32_t ip, uint32_t pkey, uint32_t rkey) {
//     struct mac_addr_t mac;
//     mac.mac_lsb = mac_lsb;
//     mac.mac_msb = mac_msb;
//     allocate_rdma_qp(dev, id, remote_id, pd, base, aux, depth, loc, &mac, ip, pkey, rkey);
// }
//
// static void rn_wqe(struct rdma_dev_t* dev, uint32_t qp, uint16_t wrid, uint64_t laddr, uint32_t len,
//                    uint32_t opcode, uint64_t raddr, uint32_t rkey, uint32_t imm) {
//     create_a_wqe(dev, qp, wrid, 0, laddr, len, opcode, raddr, rkey, 0, 0, 0, 0, imm);
// }
import "C"

import (
	"context"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rnread/internal/rdma"
	"github.com/yuuki/rnread/internal/regs"
)

// Available reports whether the hardware backend is compiled in
const Available = true

// System buffer sizes handed to the engine on open
const (
	cidbBufferSize    = 1 << 21
	dataBufferSize    = 4096 * 4096
	ipktErrBufferSize = 8192
	errBufferSize     = 256 * 256
	respErrBufferSize = 65536
	numQPs            = 8
)

// Device drives a RecoNIC card through its user-space library
type Device struct {
	cfg Config

	mu     sync.Mutex
	rn     *C.struct_rn_dev_t
	dev    *C.struct_rdma_dev_t
	fpga   *os.File
	bar    *regs.BAR
	bufs   map[*rdma.Buffer]*C.struct_rdma_buff_t
	pds    map[uint32]*C.struct_rdma_pd_t
	qps    map[uint32]struct{}
	closed bool
}

// New creates an unopened RecoNIC device
func New(cfg Config) *Device {
	return &Device{
		cfg:  cfg,
		bufs: make(map[*rdma.Buffer]*C.struct_rdma_buff_t),
		pds:  make(map[uint32]*C.struct_rdma_pd_t),
		qps:  make(map[uint32]struct{}),
	}
}

func (d *Device) Name() string {
	return d.cfg.DevicePath
}

// Open maps the PCIe resource, allocates the engine's system buffers and
// configures the RDMA engine
func (d *Device) Open(attr rdma.EngineAttr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return rdma.ErrDeviceClosed
	}
	if d.rn != nil {
		return fmt.Errorf("device %s already open", d.cfg.DevicePath)
	}
	ip, err := rdma.IPv4ToUint32(attr.SrcIP)
	if err != nil {
		return err
	}

	resource := C.CString(d.cfg.PCIeResource)
	defer C.free(unsafe.Pointer(resource))
	var fd C.int
	rn := C.rn_create(resource, &fd, C.int(d.cfg.Hugepages), numQPs)
	if rn == nil {
		return fmt.Errorf("failed to create RecoNIC device on %s", d.cfg.PCIeResource)
	}
	d.rn = rn

	dev := C.create_rdma_dev(rn)
	if dev == nil {
		d.release()
		return fmt.Errorf("failed to create RDMA device")
	}
	d.dev = dev

	sizes := []int{cidbBufferSize, dataBufferSize, ipktErrBufferSize, errBufferSize, respErrBufferSize}
	system := make([]*C.struct_rdma_buff_t, len(sizes))
	for i, size := range sizes {
		b, err := d.alloc(size, rdma.LocationHost)
		if err != nil {
			d.release()
			return fmt.Errorf("failed to allocate system buffer %d (%d bytes): %w", i, size, err)
		}
		system[i] = b
	}

	mac := attr.SrcMAC.Uint64()
	C.rn_open(dev, C.uint32_t(uint32(mac)), C.uint32_t(uint32(mac>>32)), C.uint32_t(ip), C.uint32_t(attr.UDPPort),
		C.rn_buff_dma(system[1]), C.rn_buff_dma(system[2]), C.rn_buff_dma(system[3]), C.rn_buff_dma(system[4]))

	fpga, err := os.OpenFile(d.cfg.DevicePath, os.O_RDWR, 0)
	if err != nil {
		d.release()
		return fmt.Errorf("failed to open device file %s: %w", d.cfg.DevicePath, err)
	}
	d.fpga = fpga

	bar, err := regs.OpenBAR(d.cfg.PCIeResource, regs.MapSize)
	if err != nil {
		d.release()
		return err
	}
	d.bar = bar

	log.Info().
		Str("device", d.cfg.DevicePath).
		Str("pcie_resource", d.cfg.PCIeResource).
		Str("src_mac", attr.SrcMAC.String()).
		Uint16("udp_port", attr.UDPPort).
		Msg("RecoNIC RDMA engine opened")
	return nil
}

func (d *Device) alloc(size int, loc rdma.Location) (*C.struct_rdma_buff_t, error) {
	cloc := C.CString(loc.String())
	defer C.free(unsafe.Pointer(cloc))
	b := C.rn_alloc(d.rn, C.uint32_t(size), cloc)
	if b == nil {
		return nil, fmt.Errorf("allocate_rdma_buffer(%d, %s) failed", size, loc)
	}
	return b, nil
}

func (d *Device) AllocBuffer(size int, loc rdma.Location) (*rdma.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rn == nil {
		return nil, rdma.ErrDeviceNotOpen
	}
	b, err := d.alloc(size, loc)
	if err != nil {
		return nil, err
	}
	dma := uint64(C.rn_buff_dma(b))
	va := dma
	var host []byte
	if ptr := C.rn_buff_host(b); ptr != nil {
		// Registered regions are keyed by the mapping's virtual address
		va = uint64(uintptr(ptr))
		if loc == rdma.LocationHost {
			host = unsafe.Slice((*byte)(ptr), size)
		}
	}
	buf := rdma.NewBuffer(va, dma, size, loc, host)
	d.bufs[buf] = b
	return buf, nil
}

// FreeBuffer forgets buf. The library releases buffer memory with the device.
func (d *Device) FreeBuffer(buf *rdma.Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.bufs[buf]; !ok {
		return rdma.ErrNoSuchBuffer
	}
	delete(d.bufs, buf)
	return nil
}

func (d *Device) AllocPD(index uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return rdma.ErrDeviceNotOpen
	}
	pd := C.allocate_rdma_pd(d.dev, C.uint32_t(index))
	if pd == nil {
		return fmt.Errorf("failed to allocate protection domain %d", index)
	}
	d.pds[index] = pd
	return nil
}

func (d *Device) RegisterMR(pd uint32, key uint32, buf *rdma.Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pds[pd]
	if !ok {
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchPD, pd)
	}
	b, ok := d.bufs[buf]
	if !ok {
		return rdma.ErrNoSuchBuffer
	}
	C.rdma_register_memory_region(d.dev, p, C.uint32_t(key), b)
	return nil
}

// DeregisterMR is a no-op: the library has no deregistration call and
// memory regions live until the device is destroyed
func (d *Device) DeregisterMR(key uint32) error {
	return nil
}

func (d *Device) AllocQP(attr rdma.QPAttr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pds[attr.PD]
	if !ok {
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchPD, attr.PD)
	}
	if _, ok := d.qps[attr.ID]; ok {
		return fmt.Errorf("%w: %d", rdma.ErrQPExists, attr.ID)
	}
	ip, err := rdma.IPv4ToUint32(attr.PeerIP)
	if err != nil {
		return err
	}
	loc := C.CString(attr.Location.String())
	defer C.free(unsafe.Pointer(loc))
	mac := attr.PeerMAC.Uint64()
	C.rn_alloc_qp(d.dev, C.uint32_t(attr.ID), C.uint32_t(attr.RemoteID), p,
		C.uint64_t(attr.BufferBase), C.uint64_t(attr.AuxBase), C.uint32_t(attr.Depth), loc,
		C.uint32_t(uint32(mac)), C.uint32_t(uint32(mac>>32)), C.uint32_t(ip),
		C.uint32_t(attr.PKey), C.uint32_t(attr.RKey))
	d.qps[attr.ID] = struct{}{}
	return nil
}

// DestroyQP disables the QP in its register block
func (d *Device) DestroyQP(id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.qps[id]; !ok {
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchQP, id)
	}
	delete(d.qps, id)
	off, err := regs.QPReg(id, regs.QPConf)
	if err != nil || d.bar == nil {
		return err
	}
	return d.bar.Write32(off, 0)
}

func (d *Device) SetRQPSN(qpID uint32, psn uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.qps[qpID]; !ok {
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchQP, qpID)
	}
	C.config_last_rq_psn(d.dev, C.uint32_t(qpID), C.uint32_t(psn))
	return nil
}

func (d *Device) SetSQPSN(qpID uint32, psn uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.qps[qpID]; !ok {
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchQP, qpID)
	}
	C.config_sq_psn(d.dev, C.uint32_t(qpID), C.uint32_t(psn))
	return nil
}

func (d *Device) PostWQE(qpID uint32, wqe rdma.WQE) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.qps[qpID]; !ok {
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchQP, qpID)
	}
	C.rn_wqe(d.dev, C.uint32_t(qpID), C.uint16_t(wqe.WRID), C.uint64_t(wqe.LocalAddr), C.uint32_t(wqe.Length),
		C.uint32_t(wqe.Opcode), C.uint64_t(wqe.RemoteAddr), C.uint32_t(wqe.RKey), C.uint32_t(wqe.Immediate))
	return nil
}

// PostSend rings the send doorbell and spins until completion inside the
// library. ctx is checked only before submission.
func (d *Device) PostSend(ctx context.Context, qpID uint32) error {
	if err := ctx.Err(); err != nil {
		return &rdma.CompletionError{QPID: qpID, Code: -1, Status: rdma.StatusTimeout, Err: err}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.qps[qpID]; !ok {
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchQP, qpID)
	}
	if ret := int(C.rdma_post_send(d.dev, C.uint32_t(qpID))); ret < 0 {
		return &rdma.CompletionError{QPID: qpID, Code: ret, Status: rdma.StatusRemoteOperationError}
	}
	return nil
}

func (d *Device) ReadDMA(buf *rdma.Buffer, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if len(p) > buf.Size {
		return fmt.Errorf("%w: read %d bytes from %d byte buffer", rdma.ErrOutOfRange, len(p), buf.Size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fpga == nil {
		return rdma.ErrDeviceNotOpen
	}
	if _, err := d.fpga.ReadAt(p, int64(buf.DMA)); err != nil {
		return fmt.Errorf("failed to read %d bytes from device memory 0x%x: %w", len(p), buf.DMA, err)
	}
	return nil
}

func (d *Device) WriteDMA(buf *rdma.Buffer, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if len(p) > buf.Size {
		return fmt.Errorf("%w: write %d bytes to %d byte buffer", rdma.ErrOutOfRange, len(p), buf.Size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fpga == nil {
		return rdma.ErrDeviceNotOpen
	}
	if _, err := d.fpga.WriteAt(p, int64(buf.DMA)); err != nil {
		return fmt.Errorf("failed to write %d bytes to device memory 0x%x: %w", len(p), buf.DMA, err)
	}
	return nil
}

func (d *Device) Registers() regs.Space {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bar == nil {
		return nil
	}
	return d.bar
}

// release frees everything acquired by Open. Caller holds d.mu.
func (d *Device) release() error {
	var err error
	if d.bar != nil {
		err = d.bar.Close()
		d.bar = nil
	}
	if d.fpga != nil {
		if cerr := d.fpga.Close(); err == nil {
			err = cerr
		}
		d.fpga = nil
	}
	if d.rn != nil {
		C.destroy_rn_dev(d.rn)
		d.rn = nil
		d.dev = nil
	}
	clear(d.bufs)
	clear(d.pds)
	clear(d.qps)
	return err
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.release()
}

var _ rdma.Device = (*Device)(nil)
