package dfu_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalyvb/usbd-dfu/dfu"
	"github.com/vitalyvb/usbd-dfu/usb"
)

const (
	testMemSize  = 64 * 1024
	testMemBase  = 0x02000000
	transferSize = 128

	programTimeMs   = 50
	eraseTimeMs     = 0x1ff
	fullEraseTimeMs = 0x2_0304
)

// testMem is a 64K NOR-like region: pages erase to 0xff, programming only
// clears bits and is verified. Individual operations can be overridden to
// inject failures.
type testMem struct {
	memory [testMemSize]byte
	props  dfu.Properties

	readFn     func(address uint32, length int) ([]byte, error)
	eraseFn    func(address uint32) error
	programFn  func(address uint32, data []byte) error
	manifestFn func() error

	programs  []programCall
	manifests int
	resets    int
}

type programCall struct {
	addr uint32
	data []byte
}

func newTestMem() *testMem {
	m := &testMem{}
	// Pattern: [0,0, 1,0, 2,0, ... 255,0, 0,1, ...]
	for i := range m.memory {
		if i&1 == 1 {
			m.memory[i] = uint8((i >> 9) & 0xff)
		} else {
			m.memory[i] = uint8((i >> 1) & 0xff)
		}
	}
	m.props = dfu.Properties{
		MemInfoString:         "@Flash/0x02000000/16*1Ka,48*1Kg",
		InitialAddressPointer: testMemBase,
		TransferSize:          transferSize,
		HasDownload:           true,
		HasUpload:             true,
		ManifestationTolerant: false,
		WillDetach:            true,
		DetachTimeout:         0x1122,
		ProgramTimeMs:         programTimeMs,
		EraseTimeMs:           eraseTimeMs,
		FullEraseTimeMs:       fullEraseTimeMs,
		ManifestationTimeMs:   1,
	}
	return m
}

func (m *testMem) Properties() dfu.Properties { return m.props }

func (m *testMem) Read(address uint32, length int) ([]byte, error) {
	if m.readFn != nil {
		return m.readFn(address, length)
	}
	if address < testMemBase {
		return nil, dfu.ErrAddress
	}
	from := int(address - testMemBase)
	if from >= testMemSize {
		return nil, nil
	}
	end := from + length
	if end > testMemSize {
		end = testMemSize
	}
	return m.memory[from:end], nil
}

func (m *testMem) Erase(address uint32) error {
	if m.eraseFn != nil {
		return m.eraseFn(address)
	}
	if address < testMemBase {
		return dfu.ErrAddress
	}
	from := address - testMemBase
	if from&0x3ff != 0 {
		// erase aligned blocks only
		return nil
	}
	if from >= testMemSize {
		return dfu.ErrAddress
	}
	for i := int(from); i < int(from)+1024; i++ {
		m.memory[i] = 0xff
	}
	return nil
}

func (m *testMem) EraseAll() error {
	for block := 0; block < testMemSize; block += 1024 {
		for i := block; i < block+1024; i++ {
			m.memory[i] = 0xff
		}
	}
	return nil
}

func (m *testMem) Program(address uint32, data []byte) error {
	if m.programFn != nil {
		return m.programFn(address, data)
	}
	if address < testMemBase {
		return dfu.ErrAddress
	}
	dst := int(address - testMemBase)
	if dst >= testMemSize {
		return dfu.ErrAddress
	}
	if dst+len(data) > testMemSize {
		return dfu.ErrProg
	}
	for i, b := range data {
		// emulate flash write - set bits to 0 only
		m.memory[dst+i] &= b
	}
	for i, b := range data {
		if m.memory[dst+i] != b {
			return dfu.ErrVerify
		}
	}
	m.programs = append(m.programs, programCall{addr: address, data: append([]byte(nil), data...)})
	return nil
}

func (m *testMem) Manifestation() error {
	m.manifests++
	if m.manifestFn != nil {
		return m.manifestFn()
	}
	return nil
}

func (m *testMem) UsbReset() {
	m.resets++
}

// unprotectMem adds the optional read-unprotect capability.
type unprotectMem struct {
	*testMem
	unprotects int
}

func (m *unprotectMem) ReadUnprotect() error {
	m.unprotects++
	return nil
}

// harness drives the class the way the control pipe would.
type harness struct {
	t   *testing.T
	cls *dfu.Class
	mem *testMem
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := newTestMem()
	return newHarnessWith(t, mem, mem)
}

// newHarnessWith lets tests wrap testMem in a type adding capabilities.
func newHarnessWith(t *testing.T, mem *testMem, io dfu.MemIO) *harness {
	t.Helper()
	cls, err := dfu.New(io, nil)
	require.NoError(t, err)
	return &harness{t: t, cls: cls, mem: mem}
}

func (h *harness) controlIn(req uint8, value, length uint16) ([]byte, bool) {
	setup := usb.Setup{
		RequestType: usb.DirDeviceToHost | usb.TypeClass | usb.RecipientInterface,
		Request:     req,
		Value:       value,
		Length:      length,
	}
	return h.cls.ControlIn(setup)
}

func (h *harness) controlOut(req uint8, value uint16, data []byte) bool {
	setup := usb.Setup{
		RequestType: usb.DirHostToDevice | usb.TypeClass | usb.RecipientInterface,
		Request:     req,
		Value:       value,
		Length:      uint16(len(data)),
	}
	return h.cls.ControlOut(setup, data)
}

func (h *harness) download(block uint16, data []byte) bool {
	return h.controlOut(1, block, data)
}

func (h *harness) upload(block uint16, length uint16) ([]byte, bool) {
	return h.controlIn(2, block, length)
}

func (h *harness) getStatus() []byte {
	h.t.Helper()
	data, ok := h.controlIn(3, 0, 6)
	require.True(h.t, ok, "GETSTATUS must not stall")
	require.Len(h.t, data, 6)
	return data
}

func (h *harness) clearStatus() bool { return h.controlOut(4, 0, nil) }

func (h *harness) getState() uint8 {
	h.t.Helper()
	data, ok := h.controlIn(5, 0, 1)
	require.True(h.t, ok, "GETSTATE must not stall")
	require.Len(h.t, data, 1)
	return data[0]
}

func (h *harness) abort() bool { return h.controlOut(6, 0, nil) }

// status renders the expected 6-byte GETSTATUS payload.
func status(st dfu.Status, poll uint32, state dfu.State) []byte {
	return []byte{uint8(st), uint8(poll), uint8(poll >> 8), uint8(poll >> 16), uint8(state), 0}
}

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func subcommand(sub uint8, addr uint32) []byte {
	return append([]byte{sub}, le32(addr)...)
}

func TestSimpleGetStatus(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDFUIdle), h.getStatus())
}

func TestSetAddressPointer(t *testing.T) {
	h := newHarness(t)
	const newAddr uint32 = 0x2000_0000

	require.Equal(t, uint32(testMemBase), h.cls.AddressPointer())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDFUIdle), h.getStatus())

	require.True(t, h.download(0, subcommand(0x21, newAddr)))
	// The pointer only moves once GETSTATUS runs the command.
	assert.Equal(t, uint32(testMemBase), h.cls.AddressPointer())

	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, newAddr, h.cls.AddressPointer())

	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())
}

func TestUpload(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDFUIdle), h.getStatus())

	// Block 2 is offset 0.
	data, ok := h.upload(2, transferSize)
	require.True(t, ok)
	require.Len(t, data, transferSize)
	assert.Equal(t, []byte{0, 0, 1, 0, 2, 0, 3, 0, 4, 0}, data[0:10])
	assert.Equal(t, []byte{60, 0, 61, 0, 62, 0, 63, 0}, data[120:128])

	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateUploadIdle), h.getStatus())

	// Block 7 is offset 5*128.
	data, ok = h.upload(7, transferSize)
	require.True(t, ok)
	require.Len(t, data, transferSize)
	assert.Equal(t, []byte{64, 1, 65, 1, 66, 1, 67, 1, 68, 1}, data[0:10])
	assert.Equal(t, []byte{124, 1, 125, 1, 126, 1, 127, 1}, data[120:128])

	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateUploadIdle), h.getStatus())

	require.True(t, h.abort())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDFUIdle), h.getStatus())
}

func TestUploadBlockOne(t *testing.T) {
	h := newHarness(t)

	// Block 1 reads at the current address pointer: same data as block 2.
	ref, ok := h.upload(2, transferSize)
	require.True(t, ok)
	require.True(t, h.abort())

	data, ok := h.upload(1, transferSize)
	require.True(t, ok)
	assert.Equal(t, ref, data)
}

func TestUploadLastShort(t *testing.T) {
	h := newHarness(t)

	// Block 513 is the last full block of the 64K region.
	data, ok := h.upload(513, transferSize)
	require.True(t, ok)
	require.Len(t, data, transferSize)
	assert.Equal(t, []byte{192, 127, 193, 127, 194, 127, 195, 127, 196, 127}, data[0:10])

	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateUploadIdle), h.getStatus())

	// Block 514 is past the end: empty short frame, back to idle.
	data, ok = h.upload(514, transferSize)
	require.True(t, ok)
	assert.Empty(t, data)

	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDFUIdle), h.getStatus())
}

func TestErase(t *testing.T) {
	h := newHarness(t)
	const blkaddr uint32 = testMemBase + 1024

	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDFUIdle), h.getStatus())

	require.True(t, h.download(0, subcommand(0x41, blkaddr)))
	assert.Equal(t, status(dfu.StatusOK, eraseTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())
	require.True(t, h.abort())

	// Block 9 (offset 7*128) precedes the erased page and is intact.
	data, ok := h.upload(9, transferSize)
	require.True(t, ok)
	assert.Equal(t, []byte{192, 1, 193, 1, 194, 1, 195, 1, 196, 1}, data[0:10])

	// Blocks 10..17 cover the erased 1K page.
	for _, blk := range []uint16{10, 17} {
		data, ok = h.upload(blk, transferSize)
		require.True(t, ok)
		for _, b := range data {
			require.Equal(t, uint8(0xff), b)
		}
	}

	// Block 18 (offset 16*128) is past the page and intact.
	data, ok = h.upload(18, transferSize)
	require.True(t, ok)
	assert.Equal(t, []byte{0, 4, 1, 4, 2, 4, 3, 4, 4, 4}, data[0:10])
}

func TestEraseAll(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.download(0, []byte{0x41}))
	assert.Equal(t, status(dfu.StatusOK, fullEraseTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())
	require.True(t, h.abort())

	blocks := 0
	for blk := uint16(2); ; blk++ {
		data, ok := h.upload(blk, transferSize)
		require.True(t, ok)
		if len(data) == 0 {
			break
		}
		for _, b := range data {
			require.Equal(t, uint8(0xff), b)
		}
		blocks++
	}
	assert.Equal(t, testMemSize/transferSize, blocks)
}

func TestDownloadProgramWithTail(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.download(2, make([]byte, transferSize)))
	assert.Equal(t, uint8(dfu.StateDnloadSync), h.getState())
	assert.Equal(t, status(dfu.StatusOK, programTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())

	// Short 64-byte block: must land at offset 1*TRANSFER_SIZE, not 1*64.
	require.True(t, h.download(3, make([]byte, 64)))
	assert.Equal(t, status(dfu.StatusOK, programTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())

	require.Len(t, h.mem.programs, 2)
	assert.Equal(t, uint32(testMemBase), h.mem.programs[0].addr)
	assert.Len(t, h.mem.programs[0].data, transferSize)
	assert.Equal(t, uint32(testMemBase+transferSize), h.mem.programs[1].addr)
	assert.Len(t, h.mem.programs[1].data, 64)

	require.True(t, h.abort())

	data, ok := h.upload(2, transferSize)
	require.True(t, ok)
	assert.Equal(t, make([]byte, transferSize), data)

	data, ok = h.upload(3, transferSize)
	require.True(t, ok)
	assert.Equal(t, make([]byte, 64), data[:64])
	assert.Equal(t, []byte{96, 0, 97, 0, 98, 0, 99, 0}, data[64:72])
}

func TestDownloadProgramVerifyError(t *testing.T) {
	h := newHarness(t)

	// 0x55 over the unerased pattern cannot verify on NOR-style memory.
	payload := make([]byte, transferSize)
	for i := range payload {
		payload[i] = 0x55
	}
	require.True(t, h.download(2, payload))
	assert.Equal(t, status(dfu.StatusOK, programTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusErrVerify, 0, dfu.StateError), h.getStatus())

	require.True(t, h.clearStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDFUIdle), h.getStatus())
}

func TestEraseAndProgram(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.download(0, subcommand(0x41, testMemBase)))
	assert.Equal(t, status(dfu.StatusOK, eraseTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())

	payload := make([]byte, transferSize)
	for i := range payload {
		payload[i] = 0x55
	}
	require.True(t, h.download(2, payload))
	assert.Equal(t, status(dfu.StatusOK, programTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())
	require.True(t, h.abort())

	data, ok := h.upload(2, transferSize)
	require.True(t, ok)
	assert.Equal(t, payload, data)

	// The rest of the erased page reads back 0xff.
	data, ok = h.upload(3, transferSize)
	require.True(t, ok)
	for _, b := range data {
		require.Equal(t, uint8(0xff), b)
	}
}

func TestDownloadToUploadStalls(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.download(0, subcommand(0x21, testMemBase)))
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())

	// Upload is illegal in dfuDNLOAD-IDLE.
	_, ok := h.upload(2, transferSize)
	require.False(t, ok)
	assert.Equal(t, status(dfu.StatusErrStalledPkt, 0, dfu.StateError), h.getStatus())
}

func TestManifestation(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.download(2, make([]byte, transferSize)))
	assert.Equal(t, status(dfu.StatusOK, programTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())

	// Zero-length download commits.
	require.True(t, h.download(3, nil))
	assert.Equal(t, uint8(dfu.StateManifestSync), h.getState())
	assert.Equal(t, status(dfu.StatusOK, 1, dfu.StateManifest), h.getStatus())
	assert.Equal(t, 1, h.mem.manifests)

	// Not manifestation tolerant: the device now waits for a bus reset.
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateManifestWaitReset), h.getStatus())
	require.False(t, h.abort())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateManifestWaitReset), h.getStatus())

	// The reset invokes the backend hook and starts a fresh session.
	h.cls.Reset()
	assert.Equal(t, 1, h.mem.resets)
	assert.Equal(t, dfu.StateDFUIdle, h.cls.State())
	assert.Equal(t, uint32(testMemBase), h.cls.AddressPointer())
}

func TestManifestationTolerant(t *testing.T) {
	mem := newTestMem()
	mem.props.ManifestationTolerant = true
	mem.props.ManifestationTimeMs = 0x123
	h := newHarnessWith(t, mem, mem)

	require.True(t, h.download(2, make([]byte, transferSize)))
	h.getStatus()
	h.getStatus()

	require.True(t, h.download(3, nil))
	assert.Equal(t, uint8(dfu.StateManifestSync), h.getState())
	assert.Equal(t, status(dfu.StatusOK, 0x123, dfu.StateManifest), h.getStatus())
	assert.Equal(t, uint8(dfu.StateManifestSync), h.getState())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDFUIdle), h.getStatus())
	assert.Equal(t, 1, mem.manifests)
	assert.Zero(t, mem.resets)
}

func TestManifestationErrNotDone(t *testing.T) {
	mem := newTestMem()
	mem.manifestFn = func() error { return dfu.ErrNotDone }
	h := newHarnessWith(t, mem, mem)

	require.True(t, h.download(2, make([]byte, transferSize)))
	assert.Equal(t, status(dfu.StatusOK, programTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())

	require.True(t, h.download(3, nil))
	assert.Equal(t, status(dfu.StatusOK, 1, dfu.StateManifest), h.getStatus())
	assert.Equal(t, status(dfu.StatusErrNotDone, 0, dfu.StateError), h.getStatus())
}

func TestEraseErrCheckErased(t *testing.T) {
	mem := newTestMem()
	mem.eraseFn = func(address uint32) error { return dfu.ErrCheckErased }
	h := newHarnessWith(t, mem, mem)

	require.True(t, h.download(0, subcommand(0x41, testMemBase)))
	assert.Equal(t, status(dfu.StatusOK, eraseTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusErrCheckErased, 0, dfu.StateError), h.getStatus())
}

func TestProgramErrProgAndWrite(t *testing.T) {
	mem := newTestMem()
	mem.programFn = func(address uint32, data []byte) error {
		if address > testMemBase {
			return dfu.ErrWrite
		}
		return dfu.ErrProg
	}
	h := newHarnessWith(t, mem, mem)

	require.True(t, h.download(2, make([]byte, transferSize)))
	assert.Equal(t, status(dfu.StatusOK, programTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusErrProg, 0, dfu.StateError), h.getStatus())

	require.True(t, h.clearStatus())

	require.True(t, h.download(3, make([]byte, transferSize)))
	assert.Equal(t, status(dfu.StatusOK, programTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusErrWrite, 0, dfu.StateError), h.getStatus())
}

func TestUploadReadErrors(t *testing.T) {
	mem := newTestMem()
	mem.readFn = func(address uint32, length int) ([]byte, error) {
		if address > testMemBase {
			return nil, dfu.ErrVendor
		}
		return nil, dfu.ErrAddress
	}
	h := newHarnessWith(t, mem, mem)

	_, ok := h.upload(2, transferSize)
	require.False(t, ok)
	assert.Equal(t, status(dfu.StatusErrAddress, 0, dfu.StateError), h.getStatus())

	require.True(t, h.clearStatus())

	_, ok = h.upload(3, transferSize)
	require.False(t, ok)
	assert.Equal(t, status(dfu.StatusErrVendor, 0, dfu.StateError), h.getStatus())
}

func TestAddressOverflow(t *testing.T) {
	h := newHarness(t)
	const invalidAddr uint32 = 0xffff_fff0

	require.True(t, h.download(0, subcommand(0x21, invalidAddr)))
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, invalidAddr, h.cls.AddressPointer())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())

	// Block 3 would start at 0x1_0000_0070.
	require.True(t, h.download(3, make([]byte, transferSize)))
	assert.Equal(t, status(dfu.StatusOK, programTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusErrAddress, 0, dfu.StateError), h.getStatus())

	require.True(t, h.clearStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDFUIdle), h.getStatus())

	_, ok := h.upload(3, transferSize)
	require.False(t, ok)
	assert.Equal(t, status(dfu.StatusErrAddress, 0, dfu.StateError), h.getStatus())
}

func TestGetCommands(t *testing.T) {
	h := newHarness(t)

	data, ok := h.upload(0, transferSize)
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x21, 0x41, 0x92}, data)
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDFUIdle), h.getStatus())
}

func TestGetCommandsDownload(t *testing.T) {
	h := newHarness(t)

	// The DfuSe Get Commands probe is a recognized subcommand, not a data
	// block: no backend call, the round trip just completes.
	require.True(t, h.download(0, []byte{0x00}))
	assert.Equal(t, uint8(dfu.StateDnloadSync), h.getState())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())
	assert.Empty(t, h.mem.programs)

	// A 0x00 lead byte with trailing bytes is a malformed subcommand, not
	// firmware payload.
	require.True(t, h.abort())
	require.False(t, h.download(0, []byte{0x00, 0xde, 0xad}))
	assert.Equal(t, status(dfu.StatusErrStalledPkt, 0, dfu.StateError), h.getStatus())
	assert.Empty(t, h.mem.programs)
}

func TestShortRequestsStall(t *testing.T) {
	t.Run("status buffer too small", func(t *testing.T) {
		h := newHarness(t)
		_, ok := h.controlIn(3, 0, 5)
		require.False(t, ok)
		assert.Equal(t, dfu.StateError, h.cls.State())
		assert.Equal(t, dfu.StatusErrStalledPkt, h.cls.Status())
	})
	t.Run("state buffer too small", func(t *testing.T) {
		h := newHarness(t)
		_, ok := h.controlIn(5, 0, 0)
		require.False(t, ok)
		assert.Equal(t, dfu.StatusErrStalledPkt, h.cls.Status())
	})
	t.Run("command list buffer too small", func(t *testing.T) {
		h := newHarness(t)
		_, ok := h.upload(0, 2)
		require.False(t, ok)
		assert.Equal(t, dfu.StatusErrStalledPkt, h.cls.Status())
	})
}

func TestDownloadZeroLengthInIdle(t *testing.T) {
	h := newHarness(t)

	// Nothing downloaded yet, nothing to commit.
	require.False(t, h.download(0, nil))
	assert.Equal(t, status(dfu.StatusErrNotDone, 0, dfu.StateError), h.getStatus())
}

func TestDownloadPlainFirstBlock(t *testing.T) {
	h := newHarness(t)

	// A block 0 payload that is no subcommand comes from a plain DFU 1.1
	// host: it programs at the initial address pointer.
	require.True(t, h.download(0, subcommand(0x41, testMemBase))) // erase first
	h.getStatus()
	h.getStatus()
	require.True(t, h.abort())

	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = 0x10 + uint8(i)
	}
	require.True(t, h.download(0, payload))
	assert.Equal(t, status(dfu.StatusOK, programTimeMs, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())

	require.Len(t, h.mem.programs, 1)
	assert.Equal(t, uint32(testMemBase), h.mem.programs[0].addr)
	assert.Equal(t, payload, h.mem.programs[0].data)
}

func TestDownloadBlockOneStalls(t *testing.T) {
	h := newHarness(t)

	require.False(t, h.download(1, make([]byte, 16)))
	assert.Equal(t, status(dfu.StatusErrStalledPkt, 0, dfu.StateError), h.getStatus())
}

func TestMalformedSubcommandStalls(t *testing.T) {
	h := newHarness(t)

	// Set address pointer wants exactly 4 address bytes.
	require.False(t, h.download(0, []byte{0x21, 0x00, 0x01}))
	assert.Equal(t, status(dfu.StatusErrStalledPkt, 0, dfu.StateError), h.getStatus())
}

func TestReadUnprotectUnknown(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.download(0, []byte{0x92}))
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusErrUnknown, 0, dfu.StateError), h.getStatus())
}

func TestReadUnprotectSupported(t *testing.T) {
	mem := &unprotectMem{testMem: newTestMem()}
	h := newHarnessWith(t, mem.testMem, mem)

	require.True(t, h.download(0, []byte{0x92}))
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnBusy), h.getStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDnloadIdle), h.getStatus())
	assert.Equal(t, 1, mem.unprotects)
}

func TestClearStatusOutsideErrorStalls(t *testing.T) {
	h := newHarness(t)

	require.False(t, h.clearStatus())
	assert.Equal(t, status(dfu.StatusErrStalledPkt, 0, dfu.StateError), h.getStatus())
}

func TestGetStatusInErrorKeepsStatus(t *testing.T) {
	mem := newTestMem()
	mem.eraseFn = func(address uint32) error { return dfu.ErrErase }
	h := newHarnessWith(t, mem, mem)

	require.True(t, h.download(0, subcommand(0x41, testMemBase)))
	h.getStatus()
	for i := 0; i < 3; i++ {
		assert.Equal(t, status(dfu.StatusErrErase, 0, dfu.StateError), h.getStatus())
	}
	require.True(t, h.clearStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDFUIdle), h.getStatus())
}

func TestDownloadStallsInError(t *testing.T) {
	mem := newTestMem()
	mem.programFn = func(address uint32, data []byte) error { return dfu.ErrWrite }
	h := newHarnessWith(t, mem, mem)

	require.True(t, h.download(2, make([]byte, 16)))
	h.getStatus()
	assert.Equal(t, status(dfu.StatusErrWrite, 0, dfu.StateError), h.getStatus())

	require.False(t, h.download(3, make([]byte, 16)))
	assert.Equal(t, dfu.StateError, h.cls.State())

	require.True(t, h.clearStatus())
	assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDFUIdle), h.getStatus())
}

func TestBusResetNonTerminal(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.download(0, subcommand(0x21, testMemBase+0x400)))
	h.getStatus()
	h.getStatus()
	require.Equal(t, dfu.StateDnloadIdle, h.cls.State())

	// A reset outside dfuMANIFEST-WAIT-RESET skips the backend hook and
	// reinitializes the session.
	h.cls.Reset()
	assert.Zero(t, h.mem.resets)
	assert.Equal(t, dfu.StateDFUIdle, h.cls.State())
	assert.Equal(t, dfu.StatusOK, h.cls.Status())
	assert.Equal(t, uint32(testMemBase), h.cls.AddressPointer())
	assert.Zero(t, h.cls.NextBlock())
}

func TestBootErrorStates(t *testing.T) {
	t.Run("power on reset", func(t *testing.T) {
		h := newHarness(t)
		h.cls.SetUnexpectedResetState()
		assert.Equal(t, status(dfu.StatusErrPoR, 0, dfu.StateError), h.getStatus())
		require.True(t, h.clearStatus())
		assert.Equal(t, status(dfu.StatusOK, 0, dfu.StateDFUIdle), h.getStatus())
	})
	t.Run("firmware corrupt", func(t *testing.T) {
		h := newHarness(t)
		h.cls.SetFirmwareCorruptedState()
		assert.Equal(t, status(dfu.StatusErrFirmware, 0, dfu.StateError), h.getStatus())
	})
}

func TestBlockCounter(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.download(0, subcommand(0x41, testMemBase)))
	h.getStatus()
	h.getStatus()
	// Control blocks do not advance the block counter.
	assert.Zero(t, h.cls.NextBlock())

	require.True(t, h.download(2, make([]byte, 16)))
	h.getStatus()
	h.getStatus()
	assert.Equal(t, uint16(3), h.cls.NextBlock())

	require.True(t, h.download(3, make([]byte, 16)))
	h.getStatus()
	h.getStatus()
	assert.Equal(t, uint16(4), h.cls.NextBlock())
}

func TestOversizedDownloadStalls(t *testing.T) {
	h := newHarness(t)

	require.False(t, h.download(2, make([]byte, transferSize+1)))
	assert.Equal(t, status(dfu.StatusErrStalledPkt, 0, dfu.StateError), h.getStatus())
}

func TestForeignRequestIgnored(t *testing.T) {
	h := newHarness(t)

	// Standard-type request never reaches the class logic.
	setup := usb.Setup{RequestType: usb.DirDeviceToHost | usb.TypeStandard | usb.RecipientInterface, Request: 3, Length: 6}
	_, ok := h.cls.ControlIn(setup)
	require.False(t, ok)
	// No error latched: the class did not claim the request.
	assert.Equal(t, dfu.StateDFUIdle, h.cls.State())
	assert.Equal(t, dfu.StatusOK, h.cls.Status())
}
