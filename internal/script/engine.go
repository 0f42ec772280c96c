// Package script runs EVAL/EVALSHA bodies in a fresh gopher-lua state per
// call, bridging redis.call back into the command registry through the
// Executor passed to each Eval/EvalSHA call. The state is created with
// gopher-lua's default standard libraries, io and os included; no library
// is removed or restricted.
package script

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ErrNoScript is returned by EvalSHA when the digest is not in the cache.
var ErrNoScript = errors.New("NOSCRIPT No matching script. Please use EVAL")

// Executor re-enters the command registry on behalf of a running script.
// It is satisfied by the command package's dispatcher; kept as a narrow
// interface here so this package never imports the registry.
type Executor interface {
	ExecuteCommand(name string, args ...interface{}) (interface{}, error)
}

// Engine owns the script cache. It holds no reference to an Executor: the
// one a running script's redis.call bridges into is supplied per call, so
// a script replayed on a follower's link reuses that link's own Context
// (and its IsFollowerLink exemption from the write-rejection rule)
// instead of some fixed executor captured at startup.
//
// One Engine is shared across every connection on the server, so cache is
// guarded by cacheMu: two clients running EVAL/SCRIPT LOAD/EVALSHA
// concurrently must not race on the map.
type Engine struct {
	cacheMu sync.RWMutex
	cache   map[string]string // sha1 hex -> source
}

func NewEngine() *Engine {
	return &Engine{cache: make(map[string]string)}
}

// Eval caches script under its SHA-1 digest, compiles and runs it in a
// fresh Lua state seeded with KEYS and ARGV, and converts its single return
// value to a Go value. redis.call re-enters the command registry through
// executor.
func (e *Engine) Eval(executor Executor, script string, keys, args []string) (interface{}, error) {
	e.LoadScript(script)

	L := lua.NewState()
	defer L.Close()

	e.registerRedisAPI(L, executor)
	e.setGlobals(L, keys, args)

	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("ERR Error running script: %v", err)
	}
	return e.luaToGo(L.Get(-1)), nil
}

// EvalSHA runs a script previously cached by Eval or LoadScript.
func (e *Engine) EvalSHA(executor Executor, sha1Hex string, keys, args []string) (interface{}, error) {
	e.cacheMu.RLock()
	src, ok := e.cache[sha1Hex]
	e.cacheMu.RUnlock()
	if !ok {
		return nil, ErrNoScript
	}
	return e.Eval(executor, src, keys, args)
}

// LoadScript caches script under its SHA-1 hex digest and returns it.
func (e *Engine) LoadScript(script string) string {
	digest := sha1Hex(script)
	e.cacheMu.Lock()
	e.cache[digest] = script
	e.cacheMu.Unlock()
	return digest
}

func (e *Engine) registerRedisAPI(L *lua.LState, executor Executor) {
	redisTable := L.NewTable()

	call := func(pcall bool) lua.LGFunction {
		return func(L *lua.LState) int {
			n := L.GetTop()
			if n < 1 {
				if pcall {
					t := L.NewTable()
					t.RawSetString("err", lua.LString("redis.pcall requires at least one argument"))
					L.Push(t)
					return 1
				}
				L.RaiseError("redis.call requires at least one argument")
				return 0
			}
			name := L.CheckString(1)
			args := make([]interface{}, n-1)
			for i := 2; i <= n; i++ {
				args[i-2] = e.luaToGo(L.Get(i))
			}
			result, err := executor.ExecuteCommand(name, args...)
			if err != nil {
				if pcall {
					t := L.NewTable()
					t.RawSetString("err", lua.LString(err.Error()))
					L.Push(t)
					return 1
				}
				L.RaiseError(err.Error())
				return 0
			}
			L.Push(e.goToLua(L, result))
			return 1
		}
	}
	redisTable.RawSetString("call", L.NewFunction(call(false)))
	redisTable.RawSetString("pcall", L.NewFunction(call(true)))

	redisTable.RawSetString("log", L.NewFunction(func(L *lua.LState) int { return 0 }))

	redisTable.RawSetString("status_reply", L.NewFunction(func(L *lua.LState) int {
		t := L.NewTable()
		t.RawSetString("ok", lua.LString(L.CheckString(1)))
		L.Push(t)
		return 1
	}))
	redisTable.RawSetString("error_reply", L.NewFunction(func(L *lua.LState) int {
		t := L.NewTable()
		t.RawSetString("err", lua.LString(L.CheckString(1)))
		L.Push(t)
		return 1
	}))

	L.SetGlobal("redis", redisTable)
}

func (e *Engine) setGlobals(L *lua.LState, keys, args []string) {
	keysTable := L.NewTable()
	for i, k := range keys {
		keysTable.RawSetInt(i+1, lua.LString(k))
	}
	L.SetGlobal("KEYS", keysTable)

	argvTable := L.NewTable()
	for i, a := range args {
		argvTable.RawSetInt(i+1, lua.LString(a))
	}
	L.SetGlobal("ARGV", argvTable)
}

func (e *Engine) luaToGo(lv lua.LValue) interface{} {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return int64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if ok := v.RawGetString("ok"); ok != lua.LNil {
			return map[string]interface{}{"ok": e.luaToGo(ok)}
		}
		if errv := v.RawGetString("err"); errv != lua.LNil {
			return map[string]interface{}{"err": e.luaToGo(errv)}
		}

		isArray := true
		maxN := 0
		v.ForEach(func(k, _ lua.LValue) {
			if num, ok := k.(lua.LNumber); ok {
				if int(num) > maxN {
					maxN = int(num)
				}
			} else {
				isArray = false
			}
		})
		if isArray && maxN > 0 {
			arr := make([]interface{}, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = e.luaToGo(v.RawGetInt(i))
			}
			return arr
		}
		m := make(map[string]interface{})
		v.ForEach(func(k, val lua.LValue) {
			if s, ok := k.(lua.LString); ok {
				m[string(s)] = e.luaToGo(val)
			}
		})
		return m
	default:
		return nil
	}
}

func (e *Engine) goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []interface{}:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, e.goToLua(L, item))
		}
		return t
	case map[string]interface{}:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, e.goToLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
