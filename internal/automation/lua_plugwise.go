//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"plugwise-go-home/internal/controller"
	"plugwise-go-home/internal/protocol"
)

const (
	maxHandlersPerScript = 100
	commandBuffer        = 64
	switchTimeout        = 15 * time.Second
)

// registerPlugwiseModule installs the `plugwise` global.
func registerPlugwiseModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":     func(L *lua.LState) int { return plugwiseOn(L, vm) },
		"switch": func(L *lua.LState) int { return plugwiseSwitch(L, vm, e) },
		"toggle": func(L *lua.LState) int { return plugwiseToggle(L, vm, e) },
		"nodes":  func(L *lua.LState) int { return plugwiseNodes(L, e) },
		"node":   func(L *lua.LState) int { return plugwiseNode(L, e) },
		"after":  func(L *lua.LState) int { return plugwiseAfter(L, vm, e) },
		"log":    func(L *lua.LState) int { return plugwiseLog(L, vm, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("plugwise", mod)
}

// plugwise.on(event_type, [filter], fn). The filter table may carry mac or
// name. An event type of "*" matches every event.
func plugwiseOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}

	switch arg := L.Get(2).(type) {
	case *lua.LFunction:
		h.fn = arg
	case *lua.LTable:
		if v := arg.RawGetString("mac"); v != lua.LNil {
			mac, err := protocol.NormalizeMAC(v.String())
			if err != nil {
				L.ArgError(2, err.Error())
				return 0
			}
			h.mac = mac
		}
		if v := arg.RawGetString("name"); v != lua.LNil {
			h.name = v.String()
		}
		h.fn = L.CheckFunction(3)
	default:
		L.ArgError(2, "filter table or function expected")
		return 0
	}

	if !vm.addHandler(h) {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
	}
	return 0
}

// plugwise.switch(mac_or_name, on) returns true, or nil and an error message.
func plugwiseSwitch(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	on := L.ToBool(2)
	rec, ok := resolveNode(e.ctrl, target)
	if !ok {
		e.logger.Warn("switch: node not found", "script", vm.id, "target", target)
		L.Push(lua.LNil)
		L.Push(lua.LString("node not found: " + target))
		return 2
	}
	return pushResult(L, switchRelay(vm, e, rec.MAC, on))
}

// plugwise.toggle(mac_or_name) flips the relay based on the last known state.
func plugwiseToggle(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	rec, ok := resolveNode(e.ctrl, target)
	if !ok {
		L.Push(lua.LNil)
		L.Push(lua.LString("node not found: " + target))
		return 2
	}
	return pushResult(L, switchRelay(vm, e, rec.MAC, !rec.RelayOn))
}

// switchRelay blocks the script until the node confirms. Stopping the
// script abandons the wait.
func switchRelay(vm *scriptVM, e *Engine, mac string, on bool) error {
	ctx, cancel := context.WithTimeout(e.ctrl.Context(), switchTimeout)
	defer cancel()
	stop := context.AfterFunc(vm.ctx, cancel)
	defer stop()

	if err := e.ctrl.SwitchRelay(ctx, mac, on); err != nil {
		e.logger.Warn("switch failed", "script", vm.id, "mac", mac, "on", on, "err", err)
		return err
	}
	return nil
}

func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// plugwise.nodes() returns an array of node tables.
func plugwiseNodes(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, rec := range e.ctrl.Nodes() {
		tbl.RawSetInt(i+1, nodeTable(L, rec))
	}
	L.Push(tbl)
	return 1
}

// plugwise.node(mac_or_name) returns a node table or nil.
func plugwiseNode(L *lua.LState, e *Engine) int {
	rec, ok := resolveNode(e.ctrl, L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(nodeTable(L, rec))
	return 1
}

func nodeTable(L *lua.LState, rec controller.NodeRecord) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("mac", lua.LString(rec.MAC))
	t.RawSetString("name", lua.LString(rec.Name))
	t.RawSetString("type", lua.LString(rec.Type.String()))
	t.RawSetString("state", lua.LString(rec.State.String()))
	t.RawSetString("available", lua.LBool(rec.Available))
	t.RawSetString("relay_on", lua.LBool(rec.RelayOn))
	t.RawSetString("last_seen", goToLua(L, rec.LastSeen))
	if rec.Power != nil {
		p := L.NewTable()
		p.RawSetString("pulse_1s", lua.LNumber(rec.Power.Pulse1s))
		p.RawSetString("pulse_8s", lua.LNumber(rec.Power.Pulse8s))
		p.RawSetString("pulse_hour_consumed", lua.LNumber(rec.Power.PulseHourConsumed))
		p.RawSetString("pulse_hour_produced", lua.LNumber(rec.Power.PulseHourProduced))
		t.RawSetString("power", p)
	}
	return t
}

// plugwise.after(seconds, fn) runs fn on the script's goroutine later.
func plugwiseAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "script", vm.id, "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command queue full", "script", vm.id)
		}
	}()
	return 0
}

// plugwise.log(msg)
func plugwiseLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "script", vm.id, "msg", msg)
	return 0
}

// resolveNode finds a node by MAC or, failing that, by friendly name.
func resolveNode(ctrl Controller, target string) (controller.NodeRecord, bool) {
	if mac, err := protocol.NormalizeMAC(target); err == nil {
		if rec, ok := ctrl.GetNodeRecord(mac); ok {
			return rec, true
		}
	}
	for _, rec := range ctrl.Nodes() {
		if rec.Name != "" && strings.EqualFold(rec.Name, target) {
			return rec, true
		}
	}
	return controller.NodeRecord{}, false
}
