// Package usbip implements the USB/IP wire protocol as spoken by the Linux
// vhci-hcd driver: management ops (devlist/import) and the URB stream.
// All numeric fields are big-endian on the wire.
package usbip

import (
	"encoding/binary"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// writeBE writes a sequence of big-endian values. The first error wins.
func writeBE(w io.Writer, vals ...any) error {
	for _, v := range vals {
		if b, ok := v.([]byte); ok {
			if _, err := w.Write(b); err != nil {
				return err
			}
			continue
		}
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	return nil
}

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	return writeBE(w, h.Version, h.Command, h.Status)
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	return writeBE(w, d.NDevices)
}

// ExportMeta carries USB-IP bus identity for an emulated device.
// Uses fixed-size arrays matching the wire protocol format.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [32]byte
	BusId    uint32
	DevId    uint32
}

// ExportedDevice describes one exported device in devlist/import replies.
// Layout matches the kernel doc: strings are fixed-size, numbers are BE.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	// Interfaces: for each interface: class, subclass, protocol, pad
	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (d *ExportedDevice) writeCommon(w io.Writer) error {
	return writeBE(w,
		d.Path[:], d.USBBusId[:],
		d.BusId, d.DevId, d.Speed,
		d.IDVendor, d.IDProduct, d.BcdDevice,
		[]byte{
			d.BDeviceClass,
			d.BDeviceSubClass,
			d.BDeviceProtocol,
			d.BConfigurationValue,
			d.BNumConfigurations,
			d.BNumInterfaces,
		})
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.writeCommon(w); err != nil {
		return err
	}
	for _, iface := range d.Interfaces {
		if _, err := w.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	return d.writeCommon(w)
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

// URBHeaderSize is the fixed size of every URB command/reply header.
const URBHeaderSize = 0x30

// CmdSubmit header (before payload).
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	return writeBE(w,
		c.Basic.Command, c.Basic.Seqnum, c.Basic.Devid, c.Basic.Dir, c.Basic.Ep,
		c.TransferFlags, c.TransferBufferLen, c.StartFrame, c.NumberOfPackets,
		c.Interval, c.Setup[:])
}

// ParseCmdSubmit decodes a full URB header previously read from the wire.
// The caller has already checked Basic.Command.
func ParseCmdSubmit(hdr []byte) CmdSubmit {
	var c CmdSubmit
	c.Basic = parseBasic(hdr)
	c.TransferFlags = binary.BigEndian.Uint32(hdr[0x14:])
	c.TransferBufferLen = binary.BigEndian.Uint32(hdr[0x18:])
	c.StartFrame = binary.BigEndian.Uint32(hdr[0x1c:])
	c.NumberOfPackets = binary.BigEndian.Uint32(hdr[0x20:])
	c.Interval = binary.BigEndian.Uint32(hdr[0x24:])
	copy(c.Setup[:], hdr[0x28:URBHeaderSize])
	return c
}

func parseBasic(hdr []byte) HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(hdr[0x00:]),
		Seqnum:  binary.BigEndian.Uint32(hdr[0x04:]),
		Devid:   binary.BigEndian.Uint32(hdr[0x08:]),
		Dir:     binary.BigEndian.Uint32(hdr[0x0c:]),
		Ep:      binary.BigEndian.Uint32(hdr[0x10:]),
	}
}

// RetSubmit header (before payload).
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	return writeBE(w,
		r.Basic.Command, r.Basic.Seqnum, r.Basic.Devid, r.Basic.Dir, r.Basic.Ep,
		r.Status, r.ActualLength, r.StartFrame, r.NumberOfPackets, r.ErrorCount,
		r.Padding[:])
}

// ParseRetSubmit decodes a RET_SUBMIT header (used by test clients).
func ParseRetSubmit(hdr []byte) RetSubmit {
	var r RetSubmit
	r.Basic = parseBasic(hdr)
	r.Status = int32(binary.BigEndian.Uint32(hdr[0x14:]))
	r.ActualLength = binary.BigEndian.Uint32(hdr[0x18:])
	r.StartFrame = binary.BigEndian.Uint32(hdr[0x1c:])
	r.NumberOfPackets = binary.BigEndian.Uint32(hdr[0x20:])
	r.ErrorCount = binary.BigEndian.Uint32(hdr[0x24:])
	copy(r.Padding[:], hdr[0x28:URBHeaderSize])
	return r
}

// CmdUnlink and RetUnlink
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	return writeBE(w,
		c.Basic.Command, c.Basic.Seqnum, c.Basic.Devid, c.Basic.Dir, c.Basic.Ep,
		c.UnlinkSeqnum, c.Padding[:])
}

type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (r *RetUnlink) Write(w io.Writer) error {
	return writeBE(w,
		r.Basic.Command, r.Basic.Seqnum, r.Basic.Devid, r.Basic.Dir, r.Basic.Ep,
		r.Status, r.Padding[:])
}

// ReadExactly fills buf completely or returns the read error.
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
