// Package reconic binds the RecoNIC user-space RDMA library. The binding is
// compiled only with the reconic build tag and cgo; other builds get a stub
// whose Open reports rdma.ErrBackendUnavailable.
package reconic

// Name is the backend name used in configuration
const Name = "reconic"

// Config locates the card
type Config struct {
	// DevicePath is the QDMA memory-mapped character device used for DMA copies
	DevicePath string
	// PCIeResource is the sysfs resource file of the register BAR
	PCIeResource string
	// Hugepages is the number of preallocated huge pages handed to the library
	Hugepages int
}
