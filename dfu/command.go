package dfu

import "encoding/binary"

// DFU class-specific bRequest codes.
const (
	reqDetach    = 0x00
	reqDnload    = 0x01
	reqUpload    = 0x02
	reqGetStatus = 0x03
	reqClrStatus = 0x04
	reqGetState  = 0x05
	reqAbort     = 0x06
)

// Download subcommand bytes, carried in the first byte of a DFU_DNLOAD
// with wValue 0 (DfuSe convention, AN3156).
const (
	subGetCommands       = 0x00
	subSetAddressPointer = 0x21
	subErase             = 0x41
	subReadUnprotect     = 0x92
)

// commandList is the reply to an Upload of block 0.
var commandList = []byte{subGetCommands, subSetAddressPointer, subErase, subReadUnprotect}

type commandKind uint8

const (
	cmdNone commandKind = iota
	cmdGetCommands
	cmdSetAddressPointer
	cmdErase
	cmdEraseAll
	cmdProgram
	cmdManifest
	cmdReadUnprotect
)

// command is the latched result of decoding a Download. For cmdProgram,
// base is the address pointer captured at decode time and blockNum the
// zero-based block index; the absolute target is computed at execution.
type command struct {
	kind     commandKind
	addr     uint32 // cmdSetAddressPointer, cmdErase
	base     uint32 // cmdProgram
	blockNum uint16 // cmdProgram
	length   uint16 // cmdProgram
}

// decodeSubcommand interprets a wValue=0 Download payload. ok=false means
// an empty payload or a recognized subcommand with a malformed length
// (protocol error). A
// payload that doesn't start with a subcommand byte decodes to cmdNone and
// is treated by the caller as a plain first data block.
func decodeSubcommand(data []byte) (cmd command, ok bool) {
	if len(data) == 0 {
		return command{}, false
	}
	switch data[0] {
	case subGetCommands:
		if len(data) != 1 {
			return command{}, false
		}
		return command{kind: cmdGetCommands}, true
	case subSetAddressPointer:
		if len(data) != 5 {
			return command{}, false
		}
		return command{kind: cmdSetAddressPointer, addr: binary.LittleEndian.Uint32(data[1:5])}, true
	case subErase:
		switch len(data) {
		case 1:
			return command{kind: cmdEraseAll}, true
		case 5:
			return command{kind: cmdErase, addr: binary.LittleEndian.Uint32(data[1:5])}, true
		}
		return command{}, false
	case subReadUnprotect:
		if len(data) != 1 {
			return command{}, false
		}
		return command{kind: cmdReadUnprotect}, true
	}
	return command{kind: cmdNone}, true
}
