// Package rules scores applicants against a versioned set of weighted rules.
package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Compiler validates rule sets and compiles their CEL expressions.
type Compiler struct {
	env *cel.Env
}

// CompiledRule is a rule with its normalized weight and, for expression
// rules, its CEL program.
type CompiledRule struct {
	Rule             domain.AssessmentRule
	NormalizedWeight decimal.Decimal
	program          cel.Program
}

// Program is an immutable, ready-to-evaluate rule set. It is safe for
// concurrent use.
type Program struct {
	Version string
	Rules   []CompiledRule
}

// NewCompiler creates the CEL environment expression rules are checked against.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("dti", cel.DoubleType),
		cel.Variable("dti_cutoff", cel.DoubleType),
		cel.Variable("bureau_score", cel.IntType),
		cel.Variable("flags", cel.ListType(cel.StringType)),
		cel.Variable("metrics", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("monthly_income", cel.DoubleType),
		cel.Variable("existing_debt", cel.DoubleType),
		cel.Variable("proposed_installment", cel.DoubleType),
		cel.Variable("payment_capacity", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// ValidateRule checks a single rule, compiling its expression if it has one.
func (c *Compiler) ValidateRule(rule *domain.AssessmentRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Factor == domain.FactorExpression {
		_, err := c.compileExpression(rule)
		return err
	}
	return nil
}

// Compile validates rs and builds a Program from its enabled rules, in order.
func (c *Compiler) Compile(rs *domain.RuleSet) (*Program, error) {
	if rs == nil {
		return nil, fmt.Errorf("rule set is required")
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, r := range rs.Rules {
		if r.Enabled {
			total = total.Add(r.Weight)
		}
	}

	p := &Program{Version: rs.Version}
	for _, r := range rs.Rules {
		if !r.Enabled {
			continue
		}
		cr := CompiledRule{
			Rule:             r,
			NormalizedWeight: r.Weight.DivRound(total, weightPlaces),
		}
		if r.Factor == domain.FactorExpression {
			prg, err := c.compileExpression(&cr.Rule)
			if err != nil {
				return nil, err
			}
			cr.program = prg
		}
		p.Rules = append(p.Rules, cr)
	}
	return p, nil
}

func (c *Compiler) compileExpression(rule *domain.AssessmentRule) (cel.Program, error) {
	ast, issues := c.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, &domain.ValidationError{
			Field:   rule.Key + ".expression",
			Message: issues.Err().Error(),
		}
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, &domain.ValidationError{
			Field:   rule.Key + ".expression",
			Message: fmt.Sprintf("must return bool, int, or double, got %s", outputType),
		}
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.Key, err)
	}
	return program, nil
}
