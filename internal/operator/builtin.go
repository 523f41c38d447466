package operator

import "github.com/rendis/flowctl/internal/expressions"

// RegisterBuiltins registers the core operators in reg.
func RegisterBuiltins(reg *Registry, cel *expressions.CELEngine) error {
	all := []Operator{
		noopOperator(),
		echoOperator(),
		failOperator(),
		storeOperator(),
		&WaitOperator{},
		&LoopOperator{},
		&ForEachOperator{},
		NewIfOperator(cel),
	}
	for _, op := range all {
		if err := reg.Register(op); err != nil {
			return err
		}
	}
	return nil
}
