//go:build linux

package memory

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ProcProvider reads and writes another process's memory through
// process_vm_readv/process_vm_writev. Requires ptrace capability over the
// target (same uid or CAP_SYS_PTRACE).
type ProcProvider struct {
	pid    int
	bits32 bool
}

// OpenProcess binds a provider to pid. Bitness is detected from the ELF
// class of /proc/<pid>/exe.
func OpenProcess(pid int) (*ProcProvider, error) {
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		return nil, fmt.Errorf("memory: no such process %d: %w", pid, err)
	}
	p := &ProcProvider{pid: pid}
	exe := fmt.Sprintf("/proc/%d/exe", pid)
	f, err := os.Open(exe)
	if err == nil {
		var ident [5]byte
		if _, rerr := f.Read(ident[:]); rerr == nil {
			// ELF ident: 0x7f 'E' 'L' 'F' <class>; class 1 is 32-bit
			if ident[0] == 0x7f && ident[4] == 1 {
				p.bits32 = true
			}
		}
		f.Close()
	}
	return p, nil
}

// Self returns a provider bound to the current process, the `self` demo
// mode.
func Self() (*ProcProvider, error) {
	return OpenProcess(os.Getpid())
}

func (p *ProcProvider) Read(addr uint64, n uint32) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(int(n))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: int(n)}}
	got, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
	if got <= 0 {
		if err != nil {
			return nil, fmt.Errorf("memory: read %d bytes at 0x%x: %w", n, addr, err)
		}
		return nil, ErrNotMapped
	}
	// partial reads return what was obtained
	return buf[:got], nil
}

func (p *ProcProvider) Write(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &data[0]}}
	local[0].SetLen(len(data))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	got, err := unix.ProcessVMWritev(p.pid, local, remote, 0)
	if err != nil {
		return got, fmt.Errorf("memory: write %d bytes at 0x%x: %w", len(data), addr, err)
	}
	if got != len(data) {
		return got, ErrShortWrite
	}
	return got, nil
}

// Modules enumerates the target's file-backed mappings from
// /proc/<pid>/maps. The first mapping of each distinct basename wins, so
// the reported base is the lowest address the module occupies.
func (p *ProcProvider) Modules() ([]Module, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		return nil, fmt.Errorf("memory: enumerate modules: %w", err)
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var out []Module
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 || !strings.HasPrefix(fields[5], "/") {
			continue
		}
		name := filepath.Base(fields[5])
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		base, err := strconv.ParseUint(strings.SplitN(fields[0], "-", 2)[0], 16, 64)
		if err != nil {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Module{Name: name, Base: base})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("memory: enumerate modules: %w", err)
	}
	return out, nil
}

func (p *ProcProvider) Is32Bit() bool { return p.bits32 }
