package catalog

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultPatchTimeout bounds one evaluation of a scripted patch.
const DefaultPatchTimeout = 5 * time.Second

// ScriptedPatch is a Starlark program defining
//
//	def patch(command, output):
//	    return new_command
//
// Returning None declines the fix.
type ScriptedPatch struct {
	name    string
	fn      starlark.Callable
	timeout time.Duration
}

// CompilePatch executes src once and keeps its patch function. The module
// is frozen so the function may be called concurrently.
func CompilePatch(name, src string, timeout time.Duration) (*ScriptedPatch, error) {
	if timeout <= 0 {
		timeout = DefaultPatchTimeout
	}
	thread := newThread(name)
	globals, err := starlark.ExecFile(thread, name+".star", src, predeclared())
	if err != nil {
		return nil, fmt.Errorf("failed to load patch script %s: %w", name, err)
	}
	globals.Freeze()

	fn, ok := globals["patch"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("patch script %s does not define patch(command, output)", name)
	}
	return &ScriptedPatch{name: name, fn: fn, timeout: timeout}, nil
}

// Apply runs the patch function, cancelling it after the timeout.
func (p *ScriptedPatch) Apply(command, output string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	thread := newThread(p.name)
	type result struct {
		val starlark.Value
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := starlark.Call(thread, p.fn, starlark.Tuple{starlark.String(command), starlark.String(output)}, nil)
		done <- result{v, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		thread.Cancel("timeout")
		<-done
		return "", fmt.Errorf("patch script %s timed out after %v", p.name, p.timeout)
	}
	if r.err != nil {
		return "", fmt.Errorf("patch script %s failed: %w", p.name, r.err)
	}

	switch v := r.val.(type) {
	case starlark.String:
		return string(v), nil
	case starlark.NoneType:
		return "", fmt.Errorf("patch script %s declined the fix", p.name)
	default:
		return "", fmt.Errorf("patch script %s returned %s, want string", p.name, r.val.Type())
	}
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print
		},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":   starlarkstruct.Default,
		"re_sub":   starlark.NewBuiltin("re_sub", builtinReSub),
		"re_find":  starlark.NewBuiltin("re_find", builtinReFind),
		"re_match": starlark.NewBuiltin("re_match", builtinReMatch),
	}
}

// builtinReSub implements re_sub(pattern, repl, s) with Go regexp syntax.
func builtinReSub(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, repl, s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "repl", &repl, "s", &s); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(re.ReplaceAllString(s, repl)), nil
}

// builtinReFind implements re_find(pattern, s), returning the first
// submatch (or the whole match) or None.
func builtinReFind(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "s", &s); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	m := re.FindStringSubmatch(s)
	switch {
	case m == nil:
		return starlark.None, nil
	case len(m) > 1:
		return starlark.String(m[1]), nil
	default:
		return starlark.String(m[0]), nil
	}
}

// builtinReMatch implements re_match(pattern, s).
func builtinReMatch(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "s", &s); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Bool(re.MatchString(s)), nil
}
