// Package guest holds the built-in guest programs. A guest reaches the
// outside world only through the symbols the loader publishes.
package guest

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/bobuhiro11/govisor/apic"
	"github.com/bobuhiro11/govisor/loader"
	"github.com/bobuhiro11/govisor/paging"
	"github.com/bobuhiro11/govisor/stdio"
	"github.com/bobuhiro11/govisor/task"
)

var ErrUnknownProgram = errors.New("unknown guest program")

// body is "xor %eax,%eax; ret", what the built-in programs stand for.
var body = []byte{0x31, 0xc0, 0xc3}

// Image returns a loadable image for a built-in program.
func Image() []byte { return loader.Build(0, 0, body) }

// Stream opens one of the guest's stdio rings from inside the guest.
func Stream(cpu *task.CPU, s loader.Stream) (*stdio.Ring[paging.VirtAddr], error) {
	ptr, err := cpu.Symbol(s.Buffer)
	if err != nil {
		return nil, err
	}

	buf, err := cpu.Uint64(ptr)
	if err != nil {
		return nil, err
	}

	head, err := cpu.Symbol(s.Head)
	if err != nil {
		return nil, err
	}

	tail, err := cpu.Symbol(s.Tail)
	if err != nil {
		return nil, err
	}

	sz, err := cpu.Symbol(s.Size)
	if err != nil {
		return nil, err
	}

	size, err := cpu.Uint32(sz)
	if err != nil {
		return nil, err
	}

	return &stdio.Ring[paging.VirtAddr]{
		Mem:    cpu,
		Buffer: paging.VirtAddr(buf),
		Head:   head,
		Tail:   tail,
		Size:   size,
	}, nil
}

var gp = task.Fault{Vector: apic.VectorGP}

// Hello writes msg to stdout and returns 0. RAX counts the bytes written
// so far, so a full ring just makes it retry on the next step.
func Hello(msg string) task.Program {
	return task.ProgramFunc(func(cpu *task.CPU) task.Exit {
		if int(cpu.RAX) >= len(msg) {
			return task.Return{}
		}

		out, err := Stream(cpu, loader.Stdout)
		if err != nil {
			return gp
		}

		n, err := out.Write([]byte(msg[cpu.RAX:]))
		if err != nil {
			return gp
		}

		cpu.RAX += uint64(n)

		return task.Continue{}
	})
}

// Spin runs until it is stopped, counting its steps in RAX.
func Spin() task.Program {
	return task.ProgramFunc(func(cpu *task.CPU) task.Exit {
		cpu.RAX++

		return task.Continue{}
	})
}

// Exit returns code straight away.
func Exit(code int32) task.Program {
	return task.ProgramFunc(func(*task.CPU) task.Exit { return task.Return{Code: code} })
}

// Fault raises vector.
func Fault(vector uint8) task.Program {
	return task.ProgramFunc(func(*task.CPU) task.Exit { return task.Fault{Vector: vector} })
}

// Echo copies stdin to stdout until it reads a zero byte, then returns the
// number of bytes copied.
func Echo() task.Program {
	return task.ProgramFunc(func(cpu *task.CPU) task.Exit {
		in, err := Stream(cpu, loader.Stdin)
		if err != nil {
			return gp
		}

		var b [1]byte

		n, err := in.Read(b[:])
		if err != nil {
			return gp
		}

		if n == 0 {
			return task.Continue{}
		}

		if b[0] == 0 {
			return task.Return{Code: int32(cpu.RAX)}
		}

		out, err := Stream(cpu, loader.Stdout)
		if err != nil {
			return gp
		}

		if _, err := out.Write(b[:]); err != nil {
			return gp
		}

		cpu.RAX++

		return task.Continue{}
	})
}

var programs = map[string]func(arg string) (task.Program, error){
	"hello": func(arg string) (task.Program, error) {
		if arg == "" {
			arg = "hello, world\n"
		}

		return Hello(arg), nil
	},
	"spin": func(string) (task.Program, error) { return Spin(), nil },
	"echo": func(string) (task.Program, error) { return Echo(), nil },
	"exit": func(arg string) (task.Program, error) {
		code, err := strconv.ParseInt(orDefault(arg, "0"), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("exit code: %w", err)
		}

		return Exit(int32(code)), nil
	},
	"fault": func(arg string) (task.Program, error) {
		v, err := strconv.ParseUint(orDefault(arg, strconv.Itoa(apic.VectorGP)), 0, 8)
		if err != nil {
			return nil, fmt.Errorf("fault vector: %w", err)
		}

		if v >= apic.ExceptionCount {
			return nil, fmt.Errorf("fault vector %d is not an exception", v)
		}

		return Fault(uint8(v)), nil
	},
}

func orDefault(s, d string) string {
	if s == "" {
		return d
	}

	return s
}

// Lookup builds the program called name with its argument.
func Lookup(name, arg string) (task.Program, error) {
	p, ok := programs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProgram, name)
	}

	return p(arg)
}

// Names lists the built-in programs.
func Names() []string {
	names := make([]string, 0, len(programs))
	for n := range programs {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}
