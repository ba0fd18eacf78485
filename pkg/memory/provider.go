// Package memory defines the capability the protocol core uses to touch
// the target process, plus the provider implementations the daemon can
// bind at startup. The core never holds raw OS handles; everything goes
// through a Provider.
package memory

import (
	"errors"
	"strings"
)

// Module is one loaded module of the target process.
type Module struct {
	Name string
	Base uint64
}

// Provider grants access to the target process's memory.
//
// Read may return fewer bytes than requested when the range is only
// partially readable; a nil slice together with an error is a hard
// failure. Write succeeds only if every byte was written. Implementations
// must be safe for concurrent use.
type Provider interface {
	Read(addr uint64, n uint32) ([]byte, error)
	Write(addr uint64, data []byte) (int, error)
	Modules() ([]Module, error)
	Is32Bit() bool
}

// ErrNotMapped reports a read or write touching no readable memory.
var ErrNotMapped = errors.New("memory: address not mapped")

// ErrShortWrite reports a write that did not cover all bytes.
var ErrShortWrite = errors.New("memory: short write")

// FindModule resolves a module base by name, compared case-insensitively.
// The first match wins.
func FindModule(p Provider, name string) (uint64, bool, error) {
	mods, err := p.Modules()
	if err != nil {
		return 0, false, err
	}
	want := strings.ToLower(name)
	for _, m := range mods {
		if strings.ToLower(m.Name) == want {
			return m.Base, true, nil
		}
	}
	return 0, false, nil
}
