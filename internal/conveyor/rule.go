package conveyor

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// DefaultTripRule 是默认的传感器触发规则：读数低于阈值即视为有遮挡
const DefaultTripRule = "distance < threshold"

// tripRule 是编译后的传感器触发表达式
// 表达式可以使用 distance 和 threshold 两个变量，必须返回布尔值
type tripRule struct {
	source  string
	program *vm.Program
}

func newTripRule(source string) (*tripRule, error) {
	if source == "" {
		source = DefaultTripRule
	}
	program, err := expr.Compile(source, expr.Env(ruleEnv(0, 0)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("trip rule %q compilation failed: %w", source, err)
	}
	return &tripRule{source: source, program: program}, nil
}

func ruleEnv(distance, threshold float64) map[string]interface{} {
	return map[string]interface{}{"distance": distance, "threshold": threshold}
}

// eval 判断一次读数是否触发
func (r *tripRule) eval(distance, threshold float64) (bool, error) {
	result, err := expr.Run(r.program, ruleEnv(distance, threshold))
	if err != nil {
		return false, fmt.Errorf("trip rule execution failed: %w", err)
	}
	tripped, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("trip rule result is not a boolean")
	}
	return tripped, nil
}
