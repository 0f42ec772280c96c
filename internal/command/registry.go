// Package command implements the command registry (C3): a table from
// command name to handler plus the three propagation classifiers, and the
// per-dispatch Context every handler runs against.
package command

import (
	"fmt"
	"strings"

	"tinykv/internal/kvstore"
	"tinykv/internal/protocol"
	"tinykv/internal/replication"
	"tinykv/internal/script"
)

// HandlerFunc executes one command and returns the reply frames to write
// back (possibly none, possibly more than one — only PSYNC returns two).
type HandlerFunc func(ctx *Context, args []string) []*protocol.Frame

// Definition is one row of the registry: a handler plus its static
// classifiers, per spec.md §4.3 and the Design Notes' "tagged variant or
// table" re-architecture of the source's dynamic dispatch.
//
// REPLCONF is the one command whose classifiers actually depend on its
// sub-verb (listening-port upgrades, GETACK is a server answer, capa is
// neither); rather than splitting it into three registry entries keyed on
// a sub-verb the table can't express, its handler flips the matching
// field on Context directly, and the dispatch loop ORs it into the
// static value below.
type Definition struct {
	Handler        HandlerFunc
	Propagated     bool
	ServerAnswer   bool
	ReplicaUpgrade bool
}

// Registry maps an upper-cased command name to its Definition.
type Registry struct {
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]*Definition)}
	r.register()
	return r
}

func (r *Registry) Lookup(name string) (*Definition, bool) {
	d, ok := r.defs[strings.ToUpper(name)]
	return d, ok
}

func (r *Registry) add(name string, d *Definition) {
	r.defs[strings.ToUpper(name)] = d
}

// Context carries everything a handler needs: the shared keyspace and
// replication state, plus per-dispatch scratch fields a handler may set to
// override this command's classifiers (see Definition's doc comment).
type Context struct {
	Registry *Registry // back-reference so EVAL's redis.call re-enters this table
	Store    *kvstore.Store
	Info     *replication.Info
	Leader   *replication.Leader // nil when running as a follower
	Scripts  *script.Engine
	Snapshot []byte

	RemoteAddr          string
	AllowFollowerWrites bool
	IsFollowerLink      bool // true only on the connection to the leader

	// Set by a handler mid-dispatch; read and cleared by the caller
	// (the connection loop) after each command.
	ListeningPort     string
	UpgradeReplica    bool
	ForceServerAnswer bool
}

// Reset clears the per-dispatch scratch fields before the next command on
// this connection.
func (c *Context) Reset() {
	c.ListeningPort = ""
	c.UpgradeReplica = false
	c.ForceServerAnswer = false
}

// Clone returns a shallow copy suitable as the per-connection Context: the
// shared collaborators (Store, Info, Leader, Scripts, Snapshot) are the
// same pointers, but the scratch fields and RemoteAddr are independent.
func (c *Context) Clone() *Context {
	clone := *c
	clone.Reset()
	return &clone
}

// Dispatch resolves name in the registry and runs its handler, without
// applying any propagation or replica-upgrade side effect — those belong
// to the connection loop acting on a top-level command. This is also the
// entry point redis.call uses to re-enter the registry (via Executor
// below), which is why a script's nested SET never itself propagates:
// only the enclosing EVAL's classifier does that.
func (r *Registry) Dispatch(ctx *Context, name string, args []string) []*protocol.Frame {
	def, ok := r.Lookup(name)
	if !ok {
		return []*protocol.Frame{protocol.NewError("Unknown command")}
	}
	return def.Handler(ctx, args)
}

// Executor adapts a Registry+Context pair to script.Executor, so Lua's
// redis.call bridges back into the exact same handlers the wire protocol
// uses, under the exact Context the enclosing EVAL/EVALSHA is running
// under (so a script replayed on a follower's leader-link keeps that
// link's IsFollowerLink exemption, rather than some context fixed at
// startup).
type Executor struct {
	registry *Registry
	ctx      *Context
}

// executor builds the Executor redis.call uses for this Context.
func (c *Context) executor() *Executor {
	return &Executor{registry: c.Registry, ctx: c}
}

func (e *Executor) ExecuteCommand(name string, args ...interface{}) (interface{}, error) {
	strArgs := make([]string, len(args))
	for i, a := range args {
		strArgs[i] = fmt.Sprintf("%v", a)
	}
	frames := e.registry.Dispatch(e.ctx, name, strArgs)
	if len(frames) == 0 {
		return nil, nil
	}
	return frameToValue(frames[0])
}

func frameToValue(f *protocol.Frame) (interface{}, error) {
	switch f.Kind {
	case protocol.Error:
		return nil, fmt.Errorf("%s", f.Text)
	case protocol.SimpleString:
		return f.Text, nil
	case protocol.Integer:
		return f.Num, nil
	case protocol.BulkString:
		if f.BulkNull {
			return nil, nil
		}
		return string(f.Bulk), nil
	case protocol.Array:
		items := make([]interface{}, len(f.Items))
		for i, item := range f.Items {
			v, err := frameToValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return items, nil
	default:
		return nil, nil
	}
}

// valueToFrame converts a Lua script's return value to a reply frame, per
// SPEC_FULL.md §4.7: nil/false -> null bulk, number -> Integer, string ->
// BulkString, array-like table -> Array (recursively), {ok=...} ->
// SimpleString, {err=...} -> Error.
func valueToFrame(v interface{}) *protocol.Frame {
	switch val := v.(type) {
	case nil:
		return protocol.NullBulkString()
	case bool:
		if !val {
			return protocol.NullBulkString()
		}
		return protocol.NewInteger(1)
	case int:
		return protocol.NewInteger(int64(val))
	case int64:
		return protocol.NewInteger(val)
	case string:
		return protocol.NewBulkStringFromString(val)
	case []interface{}:
		items := make([]*protocol.Frame, len(val))
		for i, item := range val {
			items[i] = valueToFrame(item)
		}
		return protocol.NewArray(items...)
	case map[string]interface{}:
		if errv, ok := val["err"]; ok {
			return protocol.NewError(fmt.Sprintf("%v", errv))
		}
		if okv, ok := val["ok"]; ok {
			return protocol.NewSimpleString(fmt.Sprintf("%v", okv))
		}
		return protocol.NullBulkString()
	default:
		return protocol.NewBulkStringFromString(fmt.Sprintf("%v", val))
	}
}
