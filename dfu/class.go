// Package dfu implements the device side of the USB Device Firmware Upgrade
// class, protocol version 1.1a (USB DFU 1.1 plus the DfuSe extensions from
// AN3156). The package is a protocol implementation only: reading, erasing
// and programming the target memory is done by a user-supplied MemIO
// backend.
//
// The class runs entirely on the default control pipe. Long operations are
// deferred: a Download latches a command, and the DFU_GETSTATUS that
// observes it advertises the operation's poll timeout (state dfuDNBUSY or
// dfuMANIFEST) and then executes the backend call inline, so the following
// DFU_GETSTATUS reports the outcome with a zero poll timeout.
package dfu

import (
	"errors"
	"fmt"

	"github.com/vitalyvb/usbd-dfu/usb"
)

// Class is a DFU device: the protocol state machine bound to a memory
// backend. It implements usb.Device and is driven by USB stack callbacks
// from a single goroutine (or interrupt context); it performs no locking.
// It does allocate after construction: every DFU_GETSTATUS and DFU_GETSTATE
// reply is a newly allocated slice.
type Class struct {
	mem   MemIO
	props Properties
	desc  usb.Descriptor

	state     State
	status    Status
	addrPtr   uint32
	nextBlock uint16
	cmd       command
	pending   command
	poll      uint32
	xfer      transfer
}

// Options overrides identity fields of the emitted device descriptor.
type Options struct {
	IDVendor     *uint16
	IDProduct    *uint16
	Manufacturer string
	Product      string
	SerialNumber string
}

// New builds a Class around the given backend. The backend's Properties are
// read once here.
func New(mem MemIO, o *Options) (*Class, error) {
	props := mem.Properties()
	if props.TransferSize == 0 {
		return nil, errors.New("dfu: backend advertises zero transfer size")
	}
	if props.MemInfoString == "" {
		return nil, errors.New("dfu: backend advertises empty memory info string")
	}
	c := &Class{
		mem:     mem,
		props:   props,
		state:   StateDFUIdle,
		status:  StatusOK,
		addrPtr: props.InitialAddressPointer,
		xfer:    newTransfer(props.TransferSize),
	}
	c.desc = buildDescriptor(props, o)
	return c, nil
}

// State returns the current DFU protocol state.
func (c *Class) State() State { return c.state }

// Status returns the current DFU status code.
func (c *Class) Status() Status { return c.status }

// AddressPointer returns the current address pointer value.
func (c *Class) AddressPointer() uint32 { return c.addrPtr }

// NextBlock returns the wValue the class expects for the next data block.
func (c *Class) NextBlock() uint16 { return c.nextBlock }

// SetUnexpectedResetState may be called right after New to start the
// session in dfuERROR with errPOR instead of dfuIDLE, signalling that the
// device detected an unexpected power-on reset.
func (c *Class) SetUnexpectedResetState() {
	c.enterError(StatusErrPoR)
}

// SetFirmwareCorruptedState may be called right after New to start the
// session in dfuERROR with errFIRMWARE, signalling that the resident
// firmware is corrupt and the device cannot leave DFU mode.
func (c *Class) SetFirmwareCorruptedState() {
	c.enterError(StatusErrFirmware)
}

// GetDescriptor implements usb.Device.
func (c *Class) GetDescriptor() *usb.Descriptor { return &c.desc }

// Reset implements usb.Device: a bus reset ends the session. In
// dfuMANIFEST-WAIT-RESET the backend's UsbReset hook runs first (and for a
// non-tolerant bootloader typically never returns). The session is then
// reinitialized; a bus reset is a transition, never an error.
func (c *Class) Reset() {
	if c.state == StateManifestWaitReset {
		c.mem.UsbReset()
	}
	c.state = StateDFUIdle
	c.status = StatusOK
	c.addrPtr = c.props.InitialAddressPointer
	c.nextBlock = 0
	c.cmd = command{}
	c.pending = command{}
	c.poll = 0
	c.xfer.discard()
}

// ControlIn implements usb.Device.
func (c *Class) ControlIn(setup usb.Setup) ([]byte, bool) {
	if !c.claimed(setup) {
		return nil, false
	}
	switch setup.Request {
	case reqUpload:
		return c.upload(setup)
	case reqGetStatus:
		return c.getStatus(setup)
	case reqGetState:
		return c.getState(setup)
	}
	return nil, false
}

// ControlOut implements usb.Device.
func (c *Class) ControlOut(setup usb.Setup, data []byte) bool {
	if !c.claimed(setup) {
		return false
	}
	switch setup.Request {
	case reqDnload:
		return c.download(setup, data)
	case reqClrStatus:
		return c.clearStatus()
	case reqAbort:
		return c.abort()
	}
	return false
}

// claimed reports whether the request is a class request addressed to the
// DFU interface.
func (c *Class) claimed(setup usb.Setup) bool {
	return setup.Type() == usb.TypeClass &&
		setup.Recipient() == usb.RecipientInterface &&
		setup.Index == dfuInterfaceNumber
}

// enterError latches a protocol or backend error until DFU_CLRSTATUS.
func (c *Class) enterError(status Status) {
	c.state = StateError
	c.status = status
}

// stallError latches errSTALLEDPKT and asks the stack to stall EP0.
func (c *Class) stallError() bool {
	c.enterError(StatusErrStalledPkt)
	return false
}

func (c *Class) download(setup usb.Setup, data []byte) bool {
	if c.state != StateDFUIdle && c.state != StateDnloadIdle {
		return c.stallError()
	}

	if setup.Length == 0 {
		if c.state == StateDFUIdle {
			// Nothing was downloaded, there is nothing to commit.
			c.enterError(StatusErrNotDone)
			return false
		}
		c.cmd = command{kind: cmdManifest}
		c.state = StateManifestSync
		c.status = StatusOK
		return true
	}

	switch {
	case setup.Value >= 2:
		return c.acceptBlock(setup.Value, data)
	case setup.Value == 0:
		cmd, ok := decodeSubcommand(data)
		if !ok {
			return c.stallError()
		}
		if cmd.kind == cmdNone {
			// Plain DFU 1.1 host that skipped SetAddressPointer: the first
			// block lands at the initial address pointer.
			c.addrPtr = c.props.InitialAddressPointer
			return c.acceptBlock(2, data)
		}
		c.cmd = cmd
		c.state = StateDnloadSync
		c.status = StatusOK
		return true
	}
	// wValue 1 is reserved.
	return c.stallError()
}

// acceptBlock buffers one data block and latches the program command. The
// target address is base + (wValue-2)*TransferSize, computed at execution.
func (c *Class) acceptBlock(value uint16, data []byte) bool {
	if !c.xfer.store(data) {
		return c.stallError()
	}
	if bs, ok := c.mem.(BufferStorer); ok {
		if err := bs.StoreWriteBuffer(c.xfer.bytes()); err != nil {
			return c.stallError()
		}
	}
	c.cmd = command{
		kind:     cmdProgram,
		base:     c.addrPtr,
		blockNum: value - 2,
		length:   uint16(len(data)),
	}
	c.nextBlock = value + 1
	c.state = StateDnloadSync
	c.status = StatusOK
	return true
}

func (c *Class) upload(setup usb.Setup) ([]byte, bool) {
	if c.state != StateDFUIdle && c.state != StateUploadIdle {
		return nil, c.stallError()
	}

	if setup.Value == 0 {
		// Get Commands: the supported subcommand list.
		if int(setup.Length) < len(commandList) {
			return nil, c.stallError()
		}
		c.state = StateDFUIdle
		c.status = StatusOK
		return commandList, true
	}

	// Block 1 reads at the current address pointer; blocks >= 2 use the
	// DfuSe offset convention. The multiplier is always the advertised
	// transfer size, never the requested length, so short reads keep the
	// address arithmetic intact.
	addr := uint64(c.addrPtr)
	if setup.Value >= 2 {
		addr += uint64(setup.Value-2) * uint64(c.props.TransferSize)
	}
	if addr > 0xffffffff {
		c.enterError(StatusErrAddress)
		return nil, false
	}

	length := int(setup.Length)
	if length > int(c.props.TransferSize) {
		length = int(c.props.TransferSize)
	}
	data, err := c.mem.Read(uint32(addr), length)
	if err != nil {
		c.enterError(statusFor(err))
		return nil, false
	}
	if len(data) < int(c.props.TransferSize) {
		// Short frame: end of the mapped region.
		c.state = StateDFUIdle
	} else {
		c.state = StateUploadIdle
	}
	c.status = StatusOK
	c.nextBlock = setup.Value + 1
	return data, true
}

func (c *Class) getState(setup usb.Setup) ([]byte, bool) {
	if setup.Length < 1 {
		return nil, c.stallError()
	}
	return []byte{uint8(c.state)}, true
}

// getStatus is the status/poll-timeout engine. It advances the SYNC states,
// advertises the pending operation's poll timeout, replies, and then
// executes the operation so the next poll reports the outcome.
func (c *Class) getStatus(setup usb.Setup) ([]byte, bool) {
	if setup.Length < 6 || !c.process() {
		return nil, c.stallError()
	}
	c.poll = c.pendingTimeout()

	reply := []byte{
		uint8(c.status),
		uint8(c.poll),
		uint8(c.poll >> 8),
		uint8(c.poll >> 16),
		uint8(c.state),
		0, // iString: vendor status descriptions are not supported
	}

	c.execute()
	return reply, true
}

// process performs the GETSTATUS-driven transitions out of the SYNC states:
// a latched command is promoted to pending and the state advertises BUSY;
// with nothing latched the download round trip completes.
func (c *Class) process() bool {
	switch c.state {
	case StateDnloadSync:
		if c.cmd.kind != cmdNone {
			c.pending, c.cmd = c.cmd, command{}
			c.state = StateDnBusy
		} else {
			c.state = StateDnloadIdle
		}
		c.status = StatusOK
	case StateManifestSync:
		if c.cmd.kind != cmdNone {
			c.pending, c.cmd = c.cmd, command{}
			c.state = StateManifest
		} else if c.props.ManifestationTolerant {
			// Manifestation finished, back to idle.
			c.state = StateDFUIdle
		}
		c.status = StatusOK
	case StateDnBusy:
		return false
	}
	return true
}

// pendingTimeout returns the advertised bwPollTimeout for the operation
// about to run.
func (c *Class) pendingTimeout() uint32 {
	switch c.pending.kind {
	case cmdProgram:
		return c.props.ProgramTimeMs
	case cmdErase:
		return c.props.EraseTimeMs
	case cmdEraseAll:
		return c.props.FullEraseTimeMs
	case cmdManifest:
		return c.props.ManifestationTimeMs
	}
	return 0
}

// execute runs the pending operation against the backend. Failures latch
// the backend's status code and park the session in dfuERROR for the next
// poll to report.
func (c *Class) execute() {
	switch c.pending.kind {
	case cmdGetCommands:
		// A query, not an operation: no backend call, the download round
		// trip just completes. The list itself is served by Upload block 0.
		c.state = StateDnloadSync
		c.status = StatusOK

	case cmdSetAddressPointer:
		c.addrPtr = c.pending.addr
		c.state = StateDnloadSync
		c.status = StatusOK

	case cmdErase:
		if err := c.mem.Erase(c.pending.addr); err != nil {
			c.enterError(statusFor(err))
		} else {
			c.state = StateDnloadSync
			c.status = StatusOK
		}

	case cmdEraseAll:
		if err := c.mem.EraseAll(); err != nil {
			c.enterError(statusFor(err))
		} else {
			c.state = StateDnloadSync
			c.status = StatusOK
		}

	case cmdProgram:
		addr := uint64(c.pending.base) + uint64(c.pending.blockNum)*uint64(c.props.TransferSize)
		if addr > 0xffffffff {
			c.enterError(StatusErrAddress)
			break
		}
		if err := c.mem.Program(uint32(addr), c.xfer.bytes()[:c.pending.length]); err != nil {
			c.enterError(statusFor(err))
		} else {
			c.state = StateDnloadSync
			c.status = StatusOK
		}

	case cmdManifest:
		// May not return for non-tolerant bootloaders.
		if err := c.mem.Manifestation(); err != nil {
			c.enterError(statusFor(err))
		} else if c.props.ManifestationTolerant {
			c.state = StateManifestSync
			c.status = StatusOK
		} else {
			c.state = StateManifestWaitReset
			c.status = StatusOK
		}

	case cmdReadUnprotect:
		ru, ok := c.mem.(ReadUnprotector)
		if !ok {
			c.enterError(StatusErrUnknown)
			break
		}
		if err := ru.ReadUnprotect(); err != nil {
			c.enterError(statusFor(err))
		} else {
			c.state = StateDnloadSync
			c.status = StatusOK
		}
	}
	c.pending = command{}
}

func (c *Class) clearStatus() bool {
	if c.state != StateError {
		return c.stallError()
	}
	c.cmd = command{}
	c.pending = command{}
	c.state = StateDFUIdle
	c.status = StatusOK
	return true
}

func (c *Class) abort() bool {
	switch c.state {
	case StateDFUIdle, StateUploadIdle, StateDnloadIdle, StateDnloadSync, StateManifestSync:
		c.cmd = command{}
		c.pending = command{}
		c.xfer.discard()
		c.state = StateDFUIdle
		c.status = StatusOK
		return true
	}
	// Illegal states stall without disturbing the latched status.
	return false
}

// String describes the session for logging.
func (c *Class) String() string {
	return fmt.Sprintf("dfu(state=%s status=%s addr=%#08x)", c.state, c.status, c.addrPtr)
}
