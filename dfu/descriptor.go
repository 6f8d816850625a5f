package dfu

import "github.com/vitalyvb/usbd-dfu/usb"

const (
	usbClassApplicationSpecific = 0xfe
	usbSubclassDFU              = 0x01
	usbProtocolDFUMode          = 0x02

	// DFU functional descriptor (type 0x21), 9 bytes.
	dfuFunctionalDescType = 0x21
	dfuFunctionalDescLen  = 9

	// bcdDFUVersion 1.1a.
	dfuVersion = 0x011a

	dfuInterfaceNumber = 0

	// String descriptor indices.
	strManufacturer = 1
	strProduct      = 2
	strSerialNumber = 3
	strMemInfo      = 4
)

// Default identity: the ST system bootloader DFU VID/PID, which host tools
// recognize out of the box. Override via Options.
const (
	defaultIDVendor  = 0x0483
	defaultIDProduct = 0xdf11
)

// bmAttributes bits of the functional descriptor.
const (
	attrCanDnload             = 1 << 0
	attrCanUpload             = 1 << 1
	attrManifestationTolerant = 1 << 2
	attrWillDetach            = 1 << 3
)

// functionalDescriptor renders the 9-byte DFU functional descriptor from
// the backend properties.
func functionalDescriptor(p Properties) []byte {
	var attrs uint8
	if p.HasDownload {
		attrs |= attrCanDnload
	}
	if p.HasUpload {
		attrs |= attrCanUpload
	}
	if p.ManifestationTolerant {
		attrs |= attrManifestationTolerant
	}
	if p.WillDetach {
		attrs |= attrWillDetach
	}
	return []byte{
		dfuFunctionalDescLen,
		dfuFunctionalDescType,
		attrs,
		uint8(p.DetachTimeout),
		uint8(p.DetachTimeout >> 8),
		uint8(p.TransferSize),
		uint8(p.TransferSize >> 8),
		uint8(dfuVersion & 0xff),
		uint8((dfuVersion >> 8) & 0xff),
	}
}

// buildDescriptor assembles the full device descriptor: one DFU-mode
// interface with zero endpoints, the functional descriptor, and the
// backend's memory map as the iInterface string.
func buildDescriptor(p Properties, o *Options) usb.Descriptor {
	desc := usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       0x00,
			BDeviceSubClass:    0x00,
			BDeviceProtocol:    0x00,
			BMaxPacketSize0:    0x40,
			IDVendor:           defaultIDVendor,
			IDProduct:          defaultIDProduct,
			BcdDevice:          0x0100,
			IManufacturer:      strManufacturer,
			IProduct:           strProduct,
			ISerialNumber:      strSerialNumber,
			BNumConfigurations: 0x01,
			Speed:              2, // Full speed
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber:   dfuInterfaceNumber,
					BAlternateSetting:  0x00,
					BNumEndpoints:      0x00, // control pipe only
					BInterfaceClass:    usbClassApplicationSpecific,
					BInterfaceSubClass: usbSubclassDFU,
					BInterfaceProtocol: usbProtocolDFUMode,
					IInterface:         strMemInfo,
				},
				ClassDescriptors: [][]byte{functionalDescriptor(p)},
			},
		},
		Strings: map[uint8]string{
			strManufacturer: "usbd-dfu",
			strProduct:      "DFU Bootloader",
			strSerialNumber: "0001",
			strMemInfo:      p.MemInfoString,
		},
	}

	if o != nil {
		if o.IDVendor != nil {
			desc.Device.IDVendor = *o.IDVendor
		}
		if o.IDProduct != nil {
			desc.Device.IDProduct = *o.IDProduct
		}
		if o.Manufacturer != "" {
			desc.Strings[strManufacturer] = o.Manufacturer
		}
		if o.Product != "" {
			desc.Strings[strProduct] = o.Product
		}
		if o.SerialNumber != "" {
			desc.Strings[strSerialNumber] = o.SerialNumber
		}
	}
	return desc
}
