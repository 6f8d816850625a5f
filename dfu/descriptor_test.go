package dfu_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalyvb/usbd-dfu/dfu"
)

func TestDescriptor(t *testing.T) {
	mem := newTestMem()
	cls, err := dfu.New(mem, nil)
	require.NoError(t, err)

	desc := cls.GetDescriptor()
	require.Len(t, desc.Interfaces, 1)

	iface := desc.Interfaces[0]
	assert.Equal(t, uint8(0xfe), iface.Descriptor.BInterfaceClass)
	assert.Equal(t, uint8(0x01), iface.Descriptor.BInterfaceSubClass)
	assert.Equal(t, uint8(0x02), iface.Descriptor.BInterfaceProtocol)
	assert.Equal(t, uint8(0x00), iface.Descriptor.BNumEndpoints)
	assert.Empty(t, iface.Endpoints)

	// DFU functional descriptor: bitWillDetach, no bitManifestationTolerant,
	// bitCanUpload, bitCanDnload; detach timeout 0x1122; wTransferSize 128;
	// bcdDFUVersion 1.1a.
	require.Len(t, iface.ClassDescriptors, 1)
	assert.Equal(t, []byte{
		9, 0x21,
		0b1011,
		0x22, 0x11,
		128, 0,
		0x1a, 0x01,
	}, iface.ClassDescriptors[0])

	assert.Equal(t, mem.props.MemInfoString, desc.Strings[iface.Descriptor.IInterface])
	assert.Equal(t, uint16(0x0483), desc.Device.IDVendor)
	assert.Equal(t, uint16(0xdf11), desc.Device.IDProduct)
}

func TestDescriptorOverrides(t *testing.T) {
	vid := uint16(0x1209)
	pid := uint16(0x0001)
	cls, err := dfu.New(newTestMem(), &dfu.Options{
		IDVendor:     &vid,
		IDProduct:    &pid,
		Product:      "Test Loader",
		SerialNumber: "42",
	})
	require.NoError(t, err)

	desc := cls.GetDescriptor()
	assert.Equal(t, vid, desc.Device.IDVendor)
	assert.Equal(t, pid, desc.Device.IDProduct)
	assert.Equal(t, "Test Loader", desc.Strings[desc.Device.IProduct])
	assert.Equal(t, "42", desc.Strings[desc.Device.ISerialNumber])
}

func TestNewRejectsBadProperties(t *testing.T) {
	mem := newTestMem()
	mem.props.TransferSize = 0
	_, err := dfu.New(mem, nil)
	require.Error(t, err)

	mem = newTestMem()
	mem.props.MemInfoString = ""
	_, err = dfu.New(mem, nil)
	require.Error(t, err)
}
