package usbip_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalyvb/usbd-dfu/usbip"
)

func TestCmdSubmitRoundTrip(t *testing.T) {
	cmd := usbip.CmdSubmit{
		Basic: usbip.HeaderBasic{
			Command: usbip.CmdSubmitCode,
			Seqnum:  7,
			Devid:   0x00010002,
			Dir:     usbip.DirIn,
			Ep:      0,
		},
		TransferFlags:     0x200,
		TransferBufferLen: 64,
		Interval:          1,
		Setup:             [8]byte{0xa1, 0x03, 0, 0, 0, 0, 6, 0},
	}

	var buf bytes.Buffer
	require.NoError(t, cmd.Write(&buf))
	require.Equal(t, usbip.URBHeaderSize, buf.Len())

	got := usbip.ParseCmdSubmit(buf.Bytes())
	assert.Equal(t, cmd, got)
}

func TestRetSubmitRoundTrip(t *testing.T) {
	ret := usbip.RetSubmit{
		Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: 9},
		Status:       -32,
		ActualLength: 6,
	}

	var buf bytes.Buffer
	require.NoError(t, ret.Write(&buf))
	require.Equal(t, usbip.URBHeaderSize, buf.Len())

	got := usbip.ParseRetSubmit(buf.Bytes())
	assert.Equal(t, ret, got)
}

func TestMgmtHeader(t *testing.T) {
	h := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 0}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	assert.Equal(t, []byte{0x01, 0x11, 0x00, 0x03, 0, 0, 0, 0}, buf.Bytes())
}

func TestExportedDeviceSizes(t *testing.T) {
	d := usbip.ExportedDevice{
		Speed:              2,
		IDVendor:           0x0483,
		IDProduct:          0xdf11,
		BNumConfigurations: 1,
		BNumInterfaces:     1,
		Interfaces:         []usbip.InterfaceDesc{{Class: 0xfe, SubClass: 1, Protocol: 2}},
	}
	copy(d.USBBusId[:], "1-1")

	var imp bytes.Buffer
	require.NoError(t, d.WriteImport(&imp))
	assert.Equal(t, 312, imp.Len())

	var dl bytes.Buffer
	require.NoError(t, d.WriteDevlist(&dl))
	assert.Equal(t, 312+4, dl.Len())
	assert.Equal(t, []byte{0xfe, 1, 2, 0}, dl.Bytes()[312:])
}
