package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tinykv/internal/protocol"
	"tinykv/internal/replication"
)

func (r *Registry) register() {
	r.add("PING", &Definition{Handler: handlePing})
	r.add("ECHO", &Definition{Handler: handleEcho})
	r.add("SET", &Definition{Handler: handleSet, Propagated: true})
	r.add("GET", &Definition{Handler: handleGet})
	r.add("INFO", &Definition{Handler: handleInfo})
	r.add("REPLCONF", &Definition{Handler: handleReplConf})
	r.add("PSYNC", &Definition{Handler: handlePSync})
	r.add("WAIT", &Definition{Handler: handleWait})
	r.add("EVAL", &Definition{Handler: handleEval, Propagated: true})
	r.add("EVALSHA", &Definition{Handler: handleEvalSHA, Propagated: true})
	r.add("SCRIPT", &Definition{Handler: handleScript})
}

func argErr(name, requirement string) []*protocol.Frame {
	return []*protocol.Frame{protocol.NewError(fmt.Sprintf("%s command requires %s", strings.ToUpper(name), requirement))}
}

func handlePing(ctx *Context, args []string) []*protocol.Frame {
	return []*protocol.Frame{protocol.NewSimpleString("PONG")}
}

func handleEcho(ctx *Context, args []string) []*protocol.Frame {
	if len(args) != 1 {
		return argErr("ECHO", "exactly one argument")
	}
	return []*protocol.Frame{protocol.NewBulkStringFromString(args[0])}
}

// handleSet implements "SET key value [PX ms]". A follower's client port
// accepts local writes only when AllowFollowerWrites is set (spec.md §9
// open question 2; this repository rejects by default, see DESIGN.md).
func handleSet(ctx *Context, args []string) []*protocol.Frame {
	if len(args) < 2 {
		return argErr("SET", "at least 2 arguments")
	}
	if !ctx.IsFollowerLink && ctx.Info.Mode == replication.ModeFollower && !ctx.AllowFollowerWrites {
		return []*protocol.Frame{protocol.NewError("READONLY writes are not permitted on a replica")}
	}

	key, value := args[0], args[1]
	var ttl time.Duration

	rest := args[2:]
	for len(rest) > 0 {
		switch strings.ToUpper(rest[0]) {
		case "PX":
			if len(rest) < 2 {
				return argErr("SET", "a value after PX")
			}
			ms, err := strconv.ParseInt(rest[1], 10, 64)
			if err != nil || ms <= 0 {
				return []*protocol.Frame{protocol.NewError("ERR invalid PX value")}
			}
			ttl = time.Duration(ms) * time.Millisecond
			rest = rest[2:]
		default:
			return []*protocol.Frame{protocol.NewError("ERR syntax error")}
		}
	}

	ctx.Store.Set(key, value, ttl)
	return []*protocol.Frame{protocol.NewSimpleString("OK")}
}

func handleGet(ctx *Context, args []string) []*protocol.Frame {
	if len(args) != 1 {
		return argErr("GET", "exactly one argument")
	}
	value, ok := ctx.Store.Get(args[0])
	if !ok {
		return []*protocol.Frame{protocol.NullBulkString()}
	}
	return []*protocol.Frame{protocol.NewBulkStringFromString(value)}
}

func handleInfo(ctx *Context, args []string) []*protocol.Frame {
	if len(args) == 0 {
		return argErr("INFO", "an argument")
	}
	return []*protocol.Frame{protocol.NewBulkStringFromString(ctx.Info.InfoString())}
}

// handleReplConf dispatches on its sub-verb, since spec.md's table treats
// "REPLCONF listening-port", "REPLCONF capa" and "REPLCONF GETACK" as
// having distinct classifiers despite sharing a command name.
func handleReplConf(ctx *Context, args []string) []*protocol.Frame {
	if len(args) < 1 {
		return argErr("REPLCONF", "a sub-command")
	}
	switch strings.ToLower(args[0]) {
	case "listening-port":
		if len(args) != 2 {
			return argErr("REPLCONF", "listening-port <port>")
		}
		ctx.ListeningPort = args[1]
		ctx.UpgradeReplica = true
		return []*protocol.Frame{protocol.NewSimpleString("OK")}

	case "capa":
		return []*protocol.Frame{protocol.NewSimpleString("OK")}

	case "getack":
		ctx.ForceServerAnswer = true
		offset := ctx.Info.ReplicationOffset.Load()
		return []*protocol.Frame{protocol.NewArray(
			protocol.NewBulkStringFromString("REPLCONF"),
			protocol.NewBulkStringFromString("ACK"),
			protocol.NewBulkStringFromString(strconv.FormatInt(offset, 10)),
		)}

	case "ack":
		// A replica reporting its applied offset back to the leader.
		// Nothing in this spec reads it back out, but acknowledging
		// silently (no reply) matches real Redis's ACK handling.
		return nil

	default:
		return []*protocol.Frame{protocol.NewSimpleString("OK")}
	}
}

// handlePSync answers with the two frames spec.md §4.3 specifies.
// Registration as a replica already happened (or didn't) at the
// listening-port step; PSYNC never itself enrolls the connection.
func handlePSync(ctx *Context, args []string) []*protocol.Frame {
	fullresync := fmt.Sprintf("FULLRESYNC %s 0", ctx.Info.ReplID)
	return []*protocol.Frame{
		protocol.NewSimpleString(fullresync),
		protocol.NewRdbBlob(ctx.Snapshot),
	}
}

func handleWait(ctx *Context, args []string) []*protocol.Frame {
	return []*protocol.Frame{protocol.NewInteger(0)}
}

func handleEval(ctx *Context, args []string) []*protocol.Frame {
	script, keys, scriptArgs, errFrame := parseEvalArgs(args)
	if errFrame != nil {
		return []*protocol.Frame{errFrame}
	}
	result, err := ctx.Scripts.Eval(ctx.executor(), script, keys, scriptArgs)
	if err != nil {
		return []*protocol.Frame{protocol.NewError(err.Error())}
	}
	return []*protocol.Frame{valueToFrame(result)}
}

func handleEvalSHA(ctx *Context, args []string) []*protocol.Frame {
	if len(args) < 2 {
		return argErr("EVALSHA", "sha1, numkeys, [key ...] [arg ...]")
	}
	_, keys, scriptArgs, errFrame := parseEvalArgs(args)
	if errFrame != nil {
		return []*protocol.Frame{errFrame}
	}
	result, err := ctx.Scripts.EvalSHA(ctx.executor(), args[0], keys, scriptArgs)
	if err != nil {
		return []*protocol.Frame{protocol.NewError(err.Error())}
	}
	return []*protocol.Frame{valueToFrame(result)}
}

func parseEvalArgs(args []string) (script string, keys []string, scriptArgs []string, errFrame *protocol.Frame) {
	if len(args) < 2 {
		return "", nil, nil, protocol.NewError("EVAL command requires script, numkeys, [key ...] [arg ...]")
	}
	script = args[0]
	numKeys, err := strconv.Atoi(args[1])
	if err != nil || numKeys < 0 {
		return "", nil, nil, protocol.NewError("ERR value is not an integer or out of range")
	}
	if 2+numKeys > len(args) {
		return "", nil, nil, protocol.NewError("ERR Number of keys can't be greater than number of args")
	}
	keys = args[2 : 2+numKeys]
	scriptArgs = args[2+numKeys:]
	return script, keys, scriptArgs, nil
}

func handleScript(ctx *Context, args []string) []*protocol.Frame {
	if len(args) < 1 {
		return argErr("SCRIPT", "a sub-command")
	}
	switch strings.ToUpper(args[0]) {
	case "LOAD":
		if len(args) != 2 {
			return argErr("SCRIPT LOAD", "exactly one argument")
		}
		digest := ctx.Scripts.LoadScript(args[1])
		return []*protocol.Frame{protocol.NewBulkStringFromString(digest)}
	default:
		return []*protocol.Frame{protocol.NewError("ERR Unknown SCRIPT subcommand")}
	}
}
