package manager

import (
	"github.com/bobuhiro11/govisor/icc"
	"github.com/bobuhiro11/govisor/lifecycle"
	"go.uber.org/zap"
)

// reply applies a message from an application core to its VM and
// publishes the event.
func (m *Manager) reply(msg *icc.Message, apply func(vm *VM) bool) error {
	ev := Event{Core: msg.Source, Type: msg.Type(), Result: msg.Result}

	if p, ok := msg.Payload.(*icc.Stopped); ok {
		ev.ReturnCode = p.ReturnCode
		ev.Vector = p.Vector
		ev.Fault = p.Fault
	}

	m.mu.Lock()

	id, ok := m.byCore[msg.Source]
	vm := m.vms[id]

	fresh := false
	if ok && vm != nil {
		ev.VM = id
		fresh = apply(vm)
	}

	m.mu.Unlock()

	if err := m.ep.Release(msg); err != nil {
		return err
	}

	if !fresh {
		m.log.Debug("stale reply dropped", zap.Stringer("type", ev.Type), zap.Uint8("core", ev.Core))

		return nil
	}

	m.events.push(ev)

	return nil
}

func (m *Manager) onStarted(msg *icc.Message) error {
	started := *msg.Payload.(*icc.Started)

	return m.reply(msg, func(vm *VM) bool {
		if vm.Outstanding != icc.TypeStart {
			return false
		}

		vm.Outstanding = 0
		vm.Result = msg.Result

		if msg.Result < 0 {
			vm.State = lifecycle.Idle

			return true
		}

		vm.State = lifecycle.Running
		vm.Streams = started
		vm.ReturnCode, vm.Vector, vm.Fault = 0, 0, false

		return true
	})
}

func (m *Manager) onResumed(msg *icc.Message) error {
	return m.reply(msg, func(vm *VM) bool {
		if vm.Outstanding != icc.TypeResume {
			return false
		}

		vm.Outstanding = 0
		vm.Result = msg.Result

		if msg.Result >= 0 {
			vm.State = lifecycle.Running
		}

		return true
	})
}

func (m *Manager) onPaused(msg *icc.Message) error {
	return m.reply(msg, func(vm *VM) bool {
		if vm.State != lifecycle.Running {
			return false
		}

		if vm.Outstanding == icc.TypePause {
			vm.Outstanding = 0
		}

		vm.State = lifecycle.Paused

		return true
	})
}

// onStopped also takes unprompted stops: a guest that returned or faulted
// ends whatever request was outstanding except a START still in flight.
func (m *Manager) onStopped(msg *icc.Message) error {
	p := *msg.Payload.(*icc.Stopped)

	return m.reply(msg, func(vm *VM) bool {
		if vm.Outstanding == icc.TypeStart {
			return false
		}

		if vm.State == lifecycle.Stopped && vm.Outstanding != icc.TypeStop {
			return false
		}

		vm.Outstanding = 0
		vm.State = lifecycle.Stopped
		vm.Result = msg.Result
		vm.ReturnCode = p.ReturnCode
		vm.Vector = p.Vector
		vm.Fault = p.Fault

		return true
	})
}
