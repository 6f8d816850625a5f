// Package memsim provides a RAM-backed dfu.MemIO implementation that
// behaves like NOR flash: pages erase to 0xff and programming can only
// clear bits. It backs the serve command and the integration tests.
package memsim

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Section capability letters, as used in the DFU memory map string:
// readable (a), erasable (b), writable (d), and their combinations up to
// g = read+erase+write.
const (
	opRead  = 1 << 0
	opErase = 1 << 1
	opWrite = 1 << 2
)

var opLetters = map[string]uint8{
	"a": opRead,
	"b": opErase,
	"c": opRead | opErase,
	"d": opWrite,
	"e": opRead | opWrite,
	"f": opErase | opWrite,
	"g": opRead | opErase | opWrite,
}

// Section is a run of equally-sized pages with uniform capabilities.
type Section struct {
	Pages    int    `yaml:"pages"`
	PageSize int    `yaml:"pageSize"`
	Ops      string `yaml:"ops"`

	ops uint8
}

// Size returns the section size in bytes.
func (s Section) Size() int { return s.Pages * s.PageSize }

// Layout describes the simulated memory region.
type Layout struct {
	Name     string    `yaml:"name"`
	Base     uint32    `yaml:"base"`
	Sections []Section `yaml:"sections"`
}

// ParseLayout decodes and validates a YAML layout document.
func ParseLayout(data []byte) (Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Layout{}, fmt.Errorf("parse layout: %w", err)
	}
	if err := l.validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// LoadLayout reads a layout from a YAML file.
func LoadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("read layout: %w", err)
	}
	return ParseLayout(data)
}

func (l *Layout) validate() error {
	if l.Name == "" {
		return fmt.Errorf("layout: name is required")
	}
	if strings.ContainsAny(l.Name, "@/,") {
		return fmt.Errorf("layout: name must not contain '@', '/' or ','")
	}
	if len(l.Sections) == 0 {
		return fmt.Errorf("layout: at least one section is required")
	}
	for i := range l.Sections {
		s := &l.Sections[i]
		if s.Pages <= 0 || s.PageSize <= 0 {
			return fmt.Errorf("layout: section %d: pages and pageSize must be positive", i)
		}
		ops, ok := opLetters[s.Ops]
		if !ok {
			return fmt.Errorf("layout: section %d: unknown ops letter %q", i, s.Ops)
		}
		s.ops = ops
	}
	return nil
}

// Size returns the total region size in bytes.
func (l Layout) Size() int {
	total := 0
	for _, s := range l.Sections {
		total += s.Size()
	}
	return total
}

// MemInfoString renders the layout in the form host tools parse from the
// DFU interface string, e.g. "@Internal Flash/0x08000000/16*001Ka,112*001Kg".
func (l Layout) MemInfoString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "@%s/0x%08X/", l.Name, l.Base)
	for i, s := range l.Sections {
		if i > 0 {
			b.WriteByte(',')
		}
		size, unit := s.PageSize, " "
		switch {
		case s.PageSize%(1<<20) == 0:
			size, unit = s.PageSize>>20, "M"
		case s.PageSize%(1<<10) == 0:
			size, unit = s.PageSize>>10, "K"
		}
		fmt.Fprintf(&b, "%d*%03d%s%s", s.Pages, size, unit, s.Ops)
	}
	return b.String()
}

// section returns the section containing the given offset, plus the offset
// of the section's end. ok=false when offset is past the region.
func (l Layout) section(offset int) (sec Section, end int, ok bool) {
	pos := 0
	for _, s := range l.Sections {
		pos += s.Size()
		if offset < pos {
			return s, pos, true
		}
	}
	return Section{}, 0, false
}

// pageStart returns the start offset of the page containing offset.
func (l Layout) pageStart(offset int) (int, bool) {
	pos := 0
	for _, s := range l.Sections {
		if offset < pos+s.Size() {
			rel := offset - pos
			return pos + rel/s.PageSize*s.PageSize, true
		}
		pos += s.Size()
	}
	return 0, false
}

// DefaultLayout is a 128K STM32-style flash plan: 16 read-only 1K pages
// followed by 112 writable 1K pages at the canonical base.
func DefaultLayout() Layout {
	l := Layout{
		Name: "Internal Flash",
		Base: 0x08000000,
		Sections: []Section{
			{Pages: 16, PageSize: 1024, Ops: "a"},
			{Pages: 112, PageSize: 1024, Ops: "g"},
		},
	}
	_ = l.validate()
	return l
}
