package filter

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Vars is the activation an Expr is evaluated against.
type Vars struct {
	Addr   uintptr
	Offset int64
	Object int64
	InHeap bool
	Marked bool
}

// Expr is a compiled discard expression. The zero value is disabled.
type Expr struct {
	src  string
	prog cel.Program
}

// CompileExpr compiles src. An empty src yields a disabled Expr.
func CompileExpr(src string) (Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return Expr{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("addr", cel.IntType),
		cel.Variable("offset", cel.IntType),
		cel.Variable("object", cel.IntType),
		cel.Variable("in_heap", cel.BoolType),
		cel.Variable("marked", cel.BoolType),
	)
	if err != nil {
		return Expr{}, err
	}
	ast, iss := env.Parse(src)
	if iss != nil && iss.Err() != nil {
		return Expr{}, fmt.Errorf("filter: parse %q: %w", src, iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return Expr{}, fmt.Errorf("filter: check %q: %w", src, iss.Err())
	}
	if out := checked.OutputType().String(); out != "bool" && out != "dyn" {
		return Expr{}, fmt.Errorf("filter: %q evaluates to %s, want bool", src, out)
	}
	prog, err := env.Program(checked)
	if err != nil {
		return Expr{}, fmt.Errorf("filter: program %q: %w", src, err)
	}
	return Expr{src: src, prog: prog}, nil
}

// Enabled reports whether e was compiled from a non-empty source.
func (e Expr) Enabled() bool { return e.prog != nil }

// String returns the source expression.
func (e Expr) String() string { return e.src }

// Discard evaluates e. A disabled Expr, an error or a non-bool result keeps
// the entry.
func (e Expr) Discard(v Vars) bool {
	if e.prog == nil {
		return false
	}
	out, _, err := e.prog.Eval(map[string]any{
		"addr":    int64(v.Addr),
		"offset":  v.Offset,
		"object":  v.Object,
		"in_heap": v.InHeap,
		"marked":  v.Marked,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
