package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AddrMode determines how an instruction address is interpreted. The zero
// value is absolute mode: the address lives in a unified, system-wide
// address space. Relative mode anchors the address to one module, which is
// how frames are reported when no unified address space exists, for example
// for images mounted at address 0.
type AddrMode struct {
	rel    bool
	module int
}

// AbsAddrMode returns the absolute addressing mode.
func AbsAddrMode() AddrMode {
	return AddrMode{}
}

// RelAddrMode returns an addressing mode relative to the module with the
// given stable index.
func RelAddrMode(moduleIndex int) AddrMode {
	return AddrMode{rel: true, module: moduleIndex}
}

// IsAbs reports whether the mode is absolute.
func (m AddrMode) IsAbs() bool {
	return !m.rel
}

// ModuleIndex returns the anchor module index for relative modes.
func (m AddrMode) ModuleIndex() (int, bool) {
	return m.module, m.rel
}

func (m AddrMode) String() string {
	if m.rel {
		return "rel:" + strconv.Itoa(m.module)
	}
	return "abs"
}

// ParseAddrMode parses the wire representation produced by String, either
// "abs" or "rel:<module index>".
func ParseAddrMode(s string) (AddrMode, error) {
	if s == "abs" {
		return AbsAddrMode(), nil
	}
	if idx, ok := strings.CutPrefix(s, "rel:"); ok {
		module, err := strconv.Atoi(idx)
		if err != nil || module < 0 {
			return AddrMode{}, fmt.Errorf("invalid relative addr mode %q", s)
		}
		return RelAddrMode(module), nil
	}
	return AddrMode{}, fmt.Errorf("invalid addr mode %q", s)
}

// MarshalJSON encodes the mode as its wire string, "abs" or "rel:N".
func (m AddrMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *AddrMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	mode, err := ParseAddrMode(s)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}
