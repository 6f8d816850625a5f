package memsim

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/blake2s"

	"github.com/vitalyvb/usbd-dfu/dfu"
)

// Options tunes the simulated backend. Zero values fall back to the
// defaults noted on each field.
type Options struct {
	// TransferSize advertised as wTransferSize (default 1024).
	TransferSize uint16

	// ManifestationTolerant keeps the device on the bus after a commit
	// instead of waiting for a reset.
	ManifestationTolerant bool

	// Advertised operation times in milliseconds (defaults 5/50/500/1).
	ProgramTimeMs   uint32
	EraseTimeMs     uint32
	FullEraseTimeMs uint32
	ManifestTimeMs  uint32

	// ImagePath names a backing file. It is loaded into the region at
	// construction and flushed back on manifestation.
	ImagePath string

	// OnManifest, when set, observes the BLAKE2s-256 digest of the region
	// computed at each manifestation.
	OnManifest func(digest [blake2s.Size]byte)

	// OnReset, when set, observes bus resets delivered while the device
	// waits in dfuMANIFEST-WAIT-RESET.
	OnReset func()
}

// Mem is a RAM-backed memory region implementing dfu.MemIO. A mutex guards
// the region so tests and a URB stream can observe it concurrently.
type Mem struct {
	mu     sync.Mutex
	layout Layout
	opts   Options
	data   []byte

	digest    [blake2s.Size]byte
	manifests int
	resets    int
}

// New builds the simulated region, erased to 0xff, optionally loading a
// backing image.
func New(layout Layout, opts Options) (*Mem, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	if opts.TransferSize == 0 {
		opts.TransferSize = 1024
	}
	if opts.ProgramTimeMs == 0 {
		opts.ProgramTimeMs = 5
	}
	if opts.EraseTimeMs == 0 {
		opts.EraseTimeMs = 50
	}
	if opts.FullEraseTimeMs == 0 {
		opts.FullEraseTimeMs = 500
	}
	if opts.ManifestTimeMs == 0 {
		opts.ManifestTimeMs = 1
	}

	m := &Mem{
		layout: layout,
		opts:   opts,
		data:   make([]byte, layout.Size()),
	}
	for i := range m.data {
		m.data[i] = 0xff
	}
	if opts.ImagePath != "" {
		img, err := os.ReadFile(opts.ImagePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load image: %w", err)
			}
		} else {
			copy(m.data, img)
		}
	}
	return m, nil
}

// Properties implements dfu.MemIO.
func (m *Mem) Properties() dfu.Properties {
	p := dfu.DefaultProperties()
	p.MemInfoString = m.layout.MemInfoString()
	p.InitialAddressPointer = m.layout.Base
	p.TransferSize = m.opts.TransferSize
	p.ManifestationTolerant = m.opts.ManifestationTolerant
	p.ProgramTimeMs = m.opts.ProgramTimeMs
	p.EraseTimeMs = m.opts.EraseTimeMs
	p.FullEraseTimeMs = m.opts.FullEraseTimeMs
	p.ManifestationTimeMs = m.opts.ManifestTimeMs
	return p
}

// offset translates an absolute address into a region offset.
func (m *Mem) offset(address uint32) (int, error) {
	if address < m.layout.Base {
		return 0, dfu.ErrAddress
	}
	return int(address - m.layout.Base), nil
}

// Read implements dfu.MemIO. Reads past the region end are short.
func (m *Mem) Read(address uint32, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, err := m.offset(address)
	if err != nil {
		return nil, err
	}
	if off >= len(m.data) {
		return nil, nil
	}
	sec, _, _ := m.layout.section(off)
	if sec.ops&opRead == 0 {
		return nil, dfu.ErrTarget
	}
	end := off + length
	if end > len(m.data) {
		end = len(m.data)
	}
	return m.data[off:end], nil
}

// Erase implements dfu.MemIO: the page containing address fills with 0xff.
func (m *Mem) Erase(address uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, err := m.offset(address)
	if err != nil {
		return err
	}
	if off >= len(m.data) {
		return dfu.ErrAddress
	}
	sec, _, _ := m.layout.section(off)
	if sec.ops&opErase == 0 {
		return dfu.ErrErase
	}
	start, ok := m.layout.pageStart(off)
	if !ok {
		return dfu.ErrAddress
	}
	for i := start; i < start+sec.PageSize; i++ {
		m.data[i] = 0xff
	}
	return nil
}

// EraseAll implements dfu.MemIO: every erasable page fills with 0xff.
func (m *Mem) EraseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := 0
	for _, s := range m.layout.Sections {
		if s.ops&opErase != 0 {
			for i := pos; i < pos+s.Size(); i++ {
				m.data[i] = 0xff
			}
		}
		pos += s.Size()
	}
	return nil
}

// Program implements dfu.MemIO with NOR semantics: bits can only be
// cleared, and the result is verified against the payload.
func (m *Mem) Program(address uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, err := m.offset(address)
	if err != nil {
		return err
	}
	if off+len(data) > len(m.data) {
		return dfu.ErrAddress
	}
	sec, end, _ := m.layout.section(off)
	if sec.ops&opWrite == 0 {
		return dfu.ErrWrite
	}
	if off+len(data) > end {
		// Blocks do not cross capability boundaries.
		return dfu.ErrAddress
	}
	for i, b := range data {
		m.data[off+i] &= b
	}
	for i, b := range data {
		if m.data[off+i] != b {
			return dfu.ErrVerify
		}
	}
	return nil
}

// Manifestation implements dfu.MemIO: digest the region and flush the
// backing image.
func (m *Mem) Manifestation() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.digest = blake2s.Sum256(m.data)
	m.manifests++
	if m.opts.ImagePath != "" {
		if err := os.WriteFile(m.opts.ImagePath, m.data, 0o644); err != nil {
			return dfu.ErrFirmware
		}
	}
	if m.opts.OnManifest != nil {
		m.opts.OnManifest(m.digest)
	}
	return nil
}

// UsbReset implements dfu.MemIO.
func (m *Mem) UsbReset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	if m.opts.OnReset != nil {
		m.opts.OnReset()
	}
}

// Digest returns the BLAKE2s-256 digest computed by the last manifestation.
func (m *Mem) Digest() [blake2s.Size]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.digest
}

// Manifests returns how many manifestations have run.
func (m *Mem) Manifests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifests
}

// Resets returns how many terminal-state bus resets were delivered.
func (m *Mem) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// Bytes exposes the raw region contents for tests and image inspection.
func (m *Mem) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}
