package errorpolicy

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ScriptedClassifier loads a small Lua script that implements
// classify(status, body, errors_raise) -> "retriable" | "definitive" |
// "rate_limited". This lets an operator override the default matching
// rules without a Go rebuild, for providers whose error bodies don't match
// the reference implementation's substrings.
type ScriptedClassifier struct {
	state *lua.LState
}

// NewScriptedClassifier compiles source once; Classify reuses the same
// Lua state for every call, matching gopher-lua's single-goroutine-at-a-
// time usage model (callers must serialize Classify calls themselves).
func NewScriptedClassifier(source string) (*ScriptedClassifier, error) {
	l := lua.NewState()
	if err := l.DoString(source); err != nil {
		l.Close()
		return nil, fmt.Errorf("errorpolicy: loading classifier script: %w", err)
	}
	if l.GetGlobal("classify").Type() != lua.LTFunction {
		l.Close()
		return nil, fmt.Errorf("errorpolicy: script must define a global classify function")
	}
	return &ScriptedClassifier{state: l}, nil
}

func (s *ScriptedClassifier) Classify(statusCode int, body string, errorsRaise bool) Classification {
	l := s.state
	err := l.CallByParam(lua.P{
		Fn:      l.GetGlobal("classify"),
		NRet:    1,
		Protect: true,
	}, lua.LNumber(statusCode), lua.LString(body), lua.LBool(errorsRaise))
	if err != nil {
		return Retriable
	}
	ret := l.Get(-1)
	l.Pop(1)
	switch lua.LVAsString(ret) {
	case "definitive":
		return Definitive
	case "rate_limited":
		return RateLimited
	default:
		return Retriable
	}
}

// Close releases the underlying Lua state.
func (s *ScriptedClassifier) Close() { s.state.Close() }
