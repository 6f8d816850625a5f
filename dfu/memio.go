package dfu

import "errors"

// MemError identifies a memory backend failure. Values map 1:1 onto DFU
// bStatus codes, so a backend picks the code the host programmer should see.
type MemError uint8

const (
	ErrTarget      MemError = MemError(StatusErrTarget)
	ErrFile        MemError = MemError(StatusErrFile)
	ErrWrite       MemError = MemError(StatusErrWrite)
	ErrErase       MemError = MemError(StatusErrErase)
	ErrCheckErased MemError = MemError(StatusErrCheckErased)
	ErrProg        MemError = MemError(StatusErrProg)
	ErrVerify      MemError = MemError(StatusErrVerify)
	ErrAddress     MemError = MemError(StatusErrAddress)
	ErrNotDone     MemError = MemError(StatusErrNotDone)
	ErrFirmware    MemError = MemError(StatusErrFirmware)
	ErrVendor      MemError = MemError(StatusErrVendor)
	ErrUnknown     MemError = MemError(StatusErrUnknown)
)

func (e MemError) Error() string { return Status(e).String() }

// statusFor maps a backend error onto the DFU status code to report.
// Errors that don't carry a MemError are reported as errUNKNOWN.
func statusFor(err error) Status {
	var me MemError
	if errors.As(err, &me) {
		return Status(me)
	}
	return StatusErrUnknown
}

// Properties describes a memory backend to the class: descriptor contents,
// transfer geometry, and the operation times advertised as bwPollTimeout.
type Properties struct {
	// MemInfoString is the iInterface string: a memory map in the form
	// "@Name/0x08000000/16*001Ka,112*001Kg" that host tools parse to learn
	// the region layout and per-page capabilities.
	MemInfoString string

	// InitialAddressPointer is the address pointer value at session start,
	// usually the base of the target region.
	InitialAddressPointer uint32

	// TransferSize is the maximum payload per Download/Upload block and the
	// multiplier for block address arithmetic. Advertised as wTransferSize.
	TransferSize uint16

	// Functional descriptor bmAttributes bits.
	HasDownload           bool
	HasUpload             bool
	ManifestationTolerant bool
	WillDetach            bool

	// DetachTimeout is the wDetachTimeOut field, in milliseconds.
	DetachTimeout uint16

	// Advertised upper-bound execution times, in milliseconds.
	ProgramTimeMs       uint32
	EraseTimeMs         uint32
	FullEraseTimeMs     uint32
	ManifestationTimeMs uint32
}

// DefaultProperties returns the baseline every backend starts from:
// download and upload enabled, manifestation tolerant, 128-byte transfers.
func DefaultProperties() Properties {
	return Properties{
		TransferSize:          128,
		HasDownload:           true,
		HasUpload:             true,
		ManifestationTolerant: true,
		WillDetach:            true,
		DetachTimeout:         250,
		ManifestationTimeMs:   1,
	}
}

// MemIO is the capability set a memory backend implements. All operations
// are synchronous; the class advertises the Properties times so the host
// does not poll while a call blocks. Backends must not retain slices past
// the call and must not re-enter the class.
type MemIO interface {
	// Properties is consulted once at class construction.
	Properties() Properties

	// Read returns up to length bytes starting at address. A short result
	// means the end of the mapped region and terminates an upload.
	Read(address uint32, length int) ([]byte, error)

	// Erase erases the page containing address.
	Erase(address uint32) error

	// EraseAll erases the whole writable region.
	EraseAll() error

	// Program writes data at address. The slice is only valid for the
	// duration of the call.
	Program(address uint32, data []byte) error

	// Manifestation commits the written image. For manifestation-tolerant
	// backends it returns nil and the session continues; otherwise the
	// device is expected to reset on the following bus reset.
	Manifestation() error

	// UsbReset runs when the bus resets while the class is waiting in
	// dfuMANIFEST-WAIT-RESET. A bootloader typically reboots into the new
	// firmware here and never returns.
	UsbReset()
}

// BufferStorer is an optional MemIO capability for backends that want the
// raw OUT payload handed to their own working buffer in addition to the
// class-owned transfer buffer.
type BufferStorer interface {
	StoreWriteBuffer(src []byte) error
}

// ReadUnprotector is an optional MemIO capability backing the 0x92
// subcommand. Without it the command reports errUNKNOWN.
type ReadUnprotector interface {
	ReadUnprotect() error
}
