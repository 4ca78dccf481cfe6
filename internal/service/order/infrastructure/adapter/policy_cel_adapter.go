// internal/service/order/infrastructure/adapter/policy_cel_adapter.go
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// DefaultApprovalExpr 是默认审批规则：报价偏离预估超过 20% 时需要审批。
// 整数算术，1/5 即 20%，不引入浮点。
const DefaultApprovalExpr = `quote > estimate + estimate / 5 || quote < estimate - estimate / 5`

// PolicyCELAdapter 是 port.ApprovalPolicy 接口的 CEL 实现。
// 规则是一段返回 bool 的表达式，变量 quote / estimate 均为分。
// 表达式在构造时编译一次，求值路径零编译开销；配置热更走 UpdateExpression。
type PolicyCELAdapter struct {
	env *cel.Env

	mu      sync.RWMutex
	expr    string
	program cel.Program
}

// NewPolicyCELAdapter 创建一个新的审批策略适配器实例。
// expr 为空时使用默认规则。
func NewPolicyCELAdapter(expr string) (*PolicyCELAdapter, error) {
	env, err := cel.NewEnv(
		cel.Variable("quote", cel.IntType),
		cel.Variable("estimate", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cel environment: %w", err)
	}

	a := &PolicyCELAdapter{env: env}
	if expr == "" {
		expr = DefaultApprovalExpr
	}
	if err := a.UpdateExpression(expr); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateExpression 编译并热替换审批规则。编译失败时保留旧规则。
func (a *PolicyCELAdapter) UpdateExpression(expr string) error {
	ast, iss := a.env.Compile(expr)
	if iss.Err() != nil {
		return fmt.Errorf("failed to compile approval expression %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return fmt.Errorf("approval expression %q must return bool, got %s", expr, ast.OutputType())
	}

	program, err := a.env.Program(ast)
	if err != nil {
		return fmt.Errorf("failed to build approval program: %w", err)
	}

	a.mu.Lock()
	a.expr = expr
	a.program = program
	a.mu.Unlock()
	return nil
}

// Expression 返回当前生效的规则表达式。
func (a *PolicyCELAdapter) Expression() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.expr
}

// RequiresApproval 求值当前规则。estimate 为 0 时视为没有预估、直接放行。
func (a *PolicyCELAdapter) RequiresApproval(ctx context.Context, quoteCents, estimateCents int64) (bool, error) {
	if estimateCents == 0 {
		return false, nil
	}

	a.mu.RLock()
	program := a.program
	a.mu.RUnlock()

	out, _, err := program.ContextEval(ctx, map[string]interface{}{
		"quote":    quoteCents,
		"estimate": estimateCents,
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate approval expression: %w", err)
	}

	required, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("approval expression returned %T, expected bool", out.Value())
	}
	return required, nil
}
