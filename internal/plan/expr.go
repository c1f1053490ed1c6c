package plan

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEnv is the environment custom precondition and verification
// expressions run against:
//
//	targets["pane-1"].idle && steps["1"] == "succeeded"
//
// targets maps target ids to observed snapshots (see target.Snapshot.Env),
// steps maps step numbers to their latest state, data holds workspace data.
func ExprEnv(targets map[string]any, steps map[string]any, data map[string]any, workspace string) map[string]any {
	if targets == nil {
		targets = map[string]any{}
	}
	if steps == nil {
		steps = map[string]any{}
	}
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"targets":   targets,
		"steps":     steps,
		"data":      data,
		"workspace": workspace,
	}
}

// CompileExpression compiles a boolean expression against the ExprEnv shape.
func CompileExpression(src string) (*vm.Program, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	program, err := expr.Compile(src, expr.Env(ExprEnv(nil, nil, nil, "")), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	return program, nil
}

// EvalExpression compiles and runs src against env.
func EvalExpression(src string, env map[string]any) (bool, error) {
	program, err := CompileExpression(src)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", src, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("expression %q returned %T", src, out)
	}
	return ok, nil
}
