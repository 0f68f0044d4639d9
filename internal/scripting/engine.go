// Package scripting hosts Lua movement rules so client prediction and the
// authoritative server step players with the same code.
package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/l1jgo/netplay/internal/geom"
	"github.com/l1jgo/netplay/internal/prediction"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// DefaultMoveFunction is the global looked up when none is configured.
const DefaultMoveFunction = "move"

// Engine wraps a single gopher-lua VM.
// Single-goroutine access only (scheduler loop).
type Engine struct {
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads every script in dir.
func NewEngine(dir string, log *zap.Logger) (*Engine, error) {
	e := newEngine(log)
	if err := e.loadDir(dir); err != nil {
		e.vm.Close()
		return nil, fmt.Errorf("load movement scripts: %w", err)
	}
	return e, nil
}

// NewEngineFromSource creates an engine from inline Lua.
func NewEngineFromSource(src string, log *zap.Logger) (*Engine, error) {
	e := newEngine(log)
	if err := e.vm.DoString(src); err != nil {
		e.vm.Close()
		return nil, fmt.Errorf("load script: %w", err)
	}
	return e, nil
}

func newEngine(log *zap.Logger) *Engine {
	vm := lua.NewState(lua.Options{SkipOpenLibs: false})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))
	return &Engine{vm: vm, log: log.Named("lua")}
}

// loadDir loads all .lua files in a directory (a single file also works).
func (e *Engine) loadDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return e.vm.DoFile(dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// Close releases the VM.
func (e *Engine) Close() {
	e.vm.Close()
}

// MoveFunc binds the Lua global name as a prediction.MoveFunc. The Lua
// function receives a table {pos={x,y}, vel={x,y}, input={x,y}, dt} and
// returns a table {pos={x,y}, vel={x,y}}. A failing call leaves the pose
// unchanged.
func (e *Engine) MoveFunc(name string) (prediction.MoveFunc, error) {
	if name == "" {
		name = DefaultMoveFunction
	}
	fn, ok := e.vm.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("lua function %s not found", name)
	}
	return func(pos, vel, input geom.Vec2, dt float64) (geom.Vec2, geom.Vec2) {
		return e.callMove(name, fn, pos, vel, input, dt)
	}, nil
}

func (e *Engine) callMove(name string, fn *lua.LFunction, pos, vel, input geom.Vec2, dt float64) (geom.Vec2, geom.Vec2) {
	t := e.vm.NewTable()
	t.RawSetString("pos", e.vec(pos))
	t.RawSetString("vel", e.vec(vel))
	t.RawSetString("input", e.vec(input))
	t.RawSetString("dt", lua.LNumber(dt))

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, t); err != nil {
		e.log.Error("lua move error", zap.String("fn", name), zap.Error(err))
		return pos, vel
	}

	result := e.vm.Get(-1)
	e.vm.Pop(1)

	rt, ok := result.(*lua.LTable)
	if !ok {
		e.log.Error("lua move returned non-table", zap.String("fn", name))
		return pos, vel
	}
	return readVec(rt.RawGetString("pos"), pos), readVec(rt.RawGetString("vel"), vel)
}

func (e *Engine) vec(v geom.Vec2) *lua.LTable {
	t := e.vm.NewTable()
	t.RawSetString("x", lua.LNumber(v.X))
	t.RawSetString("y", lua.LNumber(v.Y))
	return t
}

// readVec falls back to def when lv is not a vector table.
func readVec(lv lua.LValue, def geom.Vec2) geom.Vec2 {
	t, ok := lv.(*lua.LTable)
	if !ok {
		return def
	}
	return geom.Vec2{
		X: float64(lua.LVAsNumber(t.RawGetString("x"))),
		Y: float64(lua.LVAsNumber(t.RawGetString("y"))),
	}
}
