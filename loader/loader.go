package loader

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/govisor/device"
	"github.com/bobuhiro11/govisor/paging"
	"github.com/bobuhiro11/govisor/task"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Symbols the loader defines in every guest.
const (
	SymStdin      = "__stdin"
	SymStdinHead  = "__stdin_head"
	SymStdinTail  = "__stdin_tail"
	SymStdinSize  = "__stdin_size"
	SymStdout     = "__stdout"
	SymStdoutHead = "__stdout_head"
	SymStdoutTail = "__stdout_tail"
	SymStdoutSize = "__stdout_size"
	SymStderr     = "__stderr"
	SymStderrHead = "__stderr_head"
	SymStderrTail = "__stderr_tail"
	SymStderrSize = "__stderr_size"
	SymNIs        = "__nis"
	SymNIsCount   = "__nis_count"
	SymHeap       = "__gmalloc_pool"
)

const (
	DefaultStack     = 64 << 10
	DefaultStdioSize = 4096
	HeapSize         = paging.PageSize
	MaxNIs           = 16
)

// Stream names the four symbols of one stdio ring.
type Stream struct {
	Buffer, Head, Tail, Size string
}

var (
	Stdin  = Stream{SymStdin, SymStdinHead, SymStdinTail, SymStdinSize}
	Stdout = Stream{SymStdout, SymStdoutHead, SymStdoutTail, SymStdoutSize}
	Stderr = Stream{SymStderr, SymStderrHead, SymStderrTail, SymStderrSize}
)

// Descriptor is everything needed to start a VM. It is immutable once the
// VM is created.
type Descriptor struct {
	ID        uint32
	Name      string
	Image     []byte
	Program   task.Program
	NICs      []int
	StdioSize uint32
}

type Loader struct {
	devices *device.Registry
	log     *zap.Logger
}

func New(devices *device.Registry, log *zap.Logger) *Loader {
	return &Loader{devices: devices, log: log.Named("loader")}
}

// Load creates a task for d in tasks. Errors carry a unix.Errno: ENOEXEC
// for a bad image, ENOMEM when the task does not fit, EINVAL for a bad
// resource request.
func (l *Loader) Load(tasks *task.Manager, d *Descriptor) (*task.Task, error) {
	h, err := ParseHeader(d.Image)
	if err != nil {
		return nil, err
	}

	if d.Program == nil {
		return nil, fmt.Errorf("%w: %s has no program", unix.ENOEXEC, d.Name)
	}

	if len(d.NICs) > MaxNIs {
		return nil, fmt.Errorf("%w: %d NICs requested", unix.EINVAL, len(d.NICs))
	}

	for _, idx := range d.NICs {
		if idx < 0 || idx >= l.devices.Count(device.TypeNIC) {
			return nil, fmt.Errorf("%w: NIC %d out of range", unix.EINVAL, idx)
		}
	}

	stdio := d.StdioSize
	if stdio == 0 {
		stdio = DefaultStdioSize
	}

	stack := uint64(h.StackSize)
	if stack == 0 {
		stack = DefaultStack
	}

	lay := layout(uint64(h.BodySize), stack, uint64(stdio))

	t, err := tasks.Create(lay.size, d.Program)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", unix.ENOMEM, err)
	}

	if err := l.populate(tasks, t, d, h, lay, stdio); err != nil {
		_ = tasks.Destroy(t.ID())
		tasks.TakeExit(t.ID())

		return nil, err
	}

	l.log.Info("loaded", zap.String("vm", d.Name), zap.Uint32("task", uint32(t.ID())),
		zap.Uint64("base", uint64(t.Base())), zap.Uint64("size", t.Size()))

	return t, nil
}

type plan struct {
	stackTop uint64
	streams  [3]uint64
	nis      uint64
	heapPtr  uint64
	heap     uint64
	size     uint64
}

const streamHeader = 24

func alignUp(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

// layout places, from the task base: body, stack, three stdio rings, the
// NIC table, the heap pointer and finally the 2 MiB aligned heap pool.
func layout(body, stack, stdio uint64) plan {
	var p plan

	off := alignUp(body, 16)
	p.stackTop = alignUp(off+stack, 16)
	off = p.stackTop

	for i := range p.streams {
		p.streams[i] = off
		off = alignUp(off+streamHeader+stdio, 16)
	}

	p.nis = off
	off = alignUp(off+4+4*MaxNIs, 16)
	p.heapPtr = off
	off += 8

	p.heap = alignUp(off, paging.PageSize)
	p.size = p.heap + HeapSize

	return p
}

func (l *Loader) populate(tasks *task.Manager, t *task.Task, d *Descriptor, h Header, p plan, stdio uint32) error {
	id := t.ID()
	base := t.Base()

	if err := tasks.Write(id, base, d.Image[HeaderSize:HeaderSize+h.BodySize]); err != nil {
		return err
	}

	if err := t.SetEntry(base+paging.VirtAddr(h.Entry), base+paging.VirtAddr(p.stackTop)); err != nil {
		return fmt.Errorf("%w: %w", unix.ENOEXEC, err)
	}

	for i, s := range []Stream{Stdin, Stdout, Stderr} {
		if err := defineStream(tasks, t, s, base+paging.VirtAddr(p.streams[i]), stdio); err != nil {
			return err
		}
	}

	if err := t.Define(SymNIsCount, base+paging.VirtAddr(p.nis)); err != nil {
		return err
	}

	if err := t.Define(SymNIs, base+paging.VirtAddr(p.nis+4)); err != nil {
		return err
	}

	if err := write32(tasks, id, base+paging.VirtAddr(p.nis), 0); err != nil {
		return err
	}

	if err := t.Define(SymHeap, base+paging.VirtAddr(p.heapPtr)); err != nil {
		return err
	}

	return write64(tasks, id, base+paging.VirtAddr(p.heapPtr), uint64(base)+p.heap)
}

// A ring is laid out as [8 buffer pointer][4 head][4 tail][4 size][4 pad][size bytes].
func defineStream(tasks *task.Manager, t *task.Task, s Stream, at paging.VirtAddr, size uint32) error {
	syms := []struct {
		name string
		off  paging.VirtAddr
	}{{s.Buffer, 0}, {s.Head, 8}, {s.Tail, 12}, {s.Size, 16}}

	for _, sym := range syms {
		if err := t.Define(sym.name, at+sym.off); err != nil {
			return err
		}
	}

	var hdr [streamHeader]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(at+streamHeader))
	binary.LittleEndian.PutUint32(hdr[16:20], size)

	if err := tasks.Write(t.ID(), at, hdr[:]); err != nil {
		return err
	}

	return tasks.Write(t.ID(), at+streamHeader, make([]byte, size))
}

func write32(tasks *task.Manager, id task.ID, va paging.VirtAddr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)

	return tasks.Write(id, va, b[:])
}

func write64(tasks *task.Manager, id task.ID, va paging.VirtAddr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)

	return tasks.Write(id, va, b[:])
}

// Errno extracts the errno carried by err, EIO if there is none.
func Errno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}

	return unix.EIO
}

// Result turns err into a negative result code, 0 for nil.
func Result(err error) int32 {
	if err == nil {
		return 0
	}

	return -int32(Errno(err))
}

// AttachNICs hands the NICs at idxs to task id and publishes their device
// IDs in __nis / __nis_count.
func (l *Loader) AttachNICs(tasks *task.Manager, id task.ID, idxs []int) ([]*device.Device, error) {
	count, err := tasks.Addr(id, SymNIsCount)
	if err != nil {
		return nil, err
	}

	table, err := tasks.Addr(id, SymNIs)
	if err != nil {
		return nil, err
	}

	devs := make([]*device.Device, 0, len(idxs))

	for i, idx := range idxs {
		d, err := l.devices.Get(device.TypeNIC, idx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", unix.EINVAL, err)
		}

		if err := tasks.Resource(id, task.ResourceNI, d); err != nil {
			return nil, err
		}

		if err := write32(tasks, id, table+paging.VirtAddr(4*i), uint32(d.ID)); err != nil {
			return nil, err
		}

		devs = append(devs, d)
	}

	return devs, write32(tasks, id, count, uint32(len(devs)))
}
