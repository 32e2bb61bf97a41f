package mmio

import (
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"
)

// hexLineLength is the data bytes per Intel HEX record.
const hexLineLength = 16

// Segment is a contiguous memory image at a bus address.
type Segment struct {
	Addr uint32
	Data []byte
}

// DumpIntelHex writes the given segments as an Intel HEX image.
func DumpIntelHex(w io.Writer, segs ...Segment) error {
	mem := gohex.NewMemory()
	for _, s := range segs {
		if len(s.Data) == 0 {
			continue
		}
		if err := mem.AddBinary(s.Addr, s.Data); err != nil {
			return fmt.Errorf("hex segment %#08x: %w", s.Addr, err)
		}
	}
	return mem.DumpIntelHex(w, hexLineLength)
}

// LoadIntelHex parses an Intel HEX image into its data segments.
func LoadIntelHex(r io.Reader) ([]Segment, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("parse hex: %w", err)
	}
	var segs []Segment
	for _, s := range mem.GetDataSegments() {
		segs = append(segs, Segment{Addr: s.Address, Data: s.Data})
	}
	return segs, nil
}
