package audit

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELFilter forwards only events for which a CEL predicate holds, e.g.
// `event.status != "success"` to route denials to a paging sink.
//
// The expression sees one variable, event, with the fields id, action,
// actor, target, status, reason and context (map of string).
type CELFilter struct {
	prg  cel.Program
	next Sink
}

func NewCELFilter(expr string, next Sink) (*CELFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("audit filter must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return &CELFilter{prg: prg, next: next}, nil
}

// Match evaluates the predicate against evt.
func (f *CELFilter) Match(evt Event) (bool, error) {
	ctxMap := make(map[string]any, len(evt.Context))
	for k, v := range evt.Context {
		ctxMap[k] = v
	}
	out, _, err := f.prg.Eval(map[string]any{
		"event": map[string]any{
			"id":      evt.ID,
			"action":  evt.Action,
			"actor":   evt.Actor,
			"target":  evt.Target,
			"status":  string(evt.Status),
			"reason":  evt.Reason,
			"context": ctxMap,
		},
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func (f *CELFilter) Emit(ctx context.Context, evt Event) error {
	ok, err := f.Match(evt)
	if err != nil {
		return err
	}
	if !ok || f.next == nil {
		return nil
	}
	return f.next.Emit(ctx, evt)
}
