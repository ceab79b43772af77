package task

import (
	"encoding/binary"

	"github.com/bobuhiro11/govisor/paging"
)

// CPU is what a Program sees while it runs: its registers and its own
// memory, addressed virtually.
type CPU struct {
	Registers

	task *Task
	mgr  *Manager
}

func (c *CPU) Task() ID { return c.task.id }

func (c *CPU) Symbol(name string) (paging.VirtAddr, error) {
	return c.task.Symbol(name)
}

func (c *CPU) Load(va paging.VirtAddr, b []byte) error {
	return c.mgr.Read(c.task.id, va, b)
}

func (c *CPU) Store(va paging.VirtAddr, b []byte) error {
	return c.mgr.Write(c.task.id, va, b)
}

func (c *CPU) Uint32(va paging.VirtAddr) (uint32, error) {
	var b [4]byte
	if err := c.Load(va, b[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b[:]), nil
}

func (c *CPU) PutUint32(va paging.VirtAddr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)

	return c.Store(va, b[:])
}

func (c *CPU) Uint64(va paging.VirtAddr) (uint64, error) {
	var b [8]byte
	if err := c.Load(va, b[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

func (c *CPU) PutUint64(va paging.VirtAddr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)

	return c.Store(va, b[:])
}
