package usb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vitalyvb/usbd-dfu/usb"
)

func TestParseSetup(t *testing.T) {
	s := usb.ParseSetup([]byte{0xa1, 0x03, 0x02, 0x01, 0x00, 0x00, 0x06, 0x00})
	assert.Equal(t, uint8(0xa1), s.RequestType)
	assert.Equal(t, uint8(0x03), s.Request)
	assert.Equal(t, uint16(0x0102), s.Value)
	assert.Equal(t, uint16(0), s.Index)
	assert.Equal(t, uint16(6), s.Length)

	assert.True(t, s.In())
	assert.Equal(t, uint8(usb.TypeClass), s.Type())
	assert.Equal(t, uint8(usb.RecipientInterface), s.Recipient())

	out := usb.ParseSetup([]byte{0x21, 0x01, 0, 0, 0, 0, 0, 0})
	assert.False(t, out.In())
}

func TestDeviceDescriptorBytes(t *testing.T) {
	d := usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BMaxPacketSize0:    64,
			IDVendor:           0x0483,
			IDProduct:          0xdf11,
			BcdDevice:          0x0100,
			BNumConfigurations: 1,
		},
	}
	b := d.Bytes()
	assert.Len(t, b, usb.DeviceDescLen)
	assert.Equal(t, uint8(usb.DeviceDescLen), b[0])
	assert.Equal(t, uint8(usb.DeviceDescType), b[1])
	assert.Equal(t, []byte{0x00, 0x02}, b[2:4])   // bcdUSB LE
	assert.Equal(t, []byte{0x83, 0x04}, b[8:10])  // idVendor LE
	assert.Equal(t, []byte{0x11, 0xdf}, b[10:12]) // idProduct LE
}

func TestEncodeStringDescriptor(t *testing.T) {
	b := usb.EncodeStringDescriptor("DFU")
	assert.Equal(t, []byte{8, 3, 'D', 0, 'F', 0, 'U', 0}, b)
}
