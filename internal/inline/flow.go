package inline

import (
	"github.com/schaermu/wsync/internal/treediff"
)

// special single-module slots of a flow value visited after the main list
var flowSlots = []string{"failure_module", "preprocessor_module"}

// ExtractFlow applies Extract to every module list of a flow payload
// (value.modules plus the failure and preprocessor modules)
func ExtractFlow(flow map[string]any, existing map[string]string, defaultTs string) (map[string]any, []Record) {
	modules, rebuild := flattenFlow(flow)
	out, records := Extract(modules, existing, defaultTs)
	return rebuild(out), records
}

// ReplaceFlow applies Replace to every module list of a flow payload
func ReplaceFlow(flow map[string]any, opts ReplaceOptions) (map[string]any, error) {
	modules, rebuild := flattenFlow(flow)
	out, err := Replace(modules, opts)
	if err != nil {
		return nil, err
	}
	return rebuild(out), nil
}

// CurrentFlowMapping applies CurrentMapping to every module list of a flow payload
func CurrentFlowMapping(flow map[string]any) map[string]string {
	modules, _ := flattenFlow(flow)
	return CurrentMapping(modules)
}

// flattenFlow concatenates the module lists of a flow into one list and
// returns a function that rebuilds a copy of the flow from a transformed list
func flattenFlow(flow map[string]any) ([]any, func([]any) map[string]any) {
	value, _ := flow["value"].(map[string]any)
	main, _ := value["modules"].([]any)

	flat := make([]any, 0, len(main)+len(flowSlots))
	flat = append(flat, main...)
	var present []string
	for _, slot := range flowSlots {
		if m, ok := value[slot].(map[string]any); ok {
			flat = append(flat, m)
			present = append(present, slot)
		}
	}

	rebuild := func(modules []any) map[string]any {
		out, _ := treediff.Clone(flow).(map[string]any)
		if out == nil {
			out = map[string]any{}
		}
		if value == nil {
			return out
		}
		v, _ := out["value"].(map[string]any)
		if main != nil {
			v["modules"] = modules[:len(main)]
		}
		for i, slot := range present {
			v[slot] = modules[len(main)+i]
		}
		return out
	}
	return flat, rebuild
}
