package builtin

import (
	"context"
	"errors"
	"math"

	"github.com/rcli/relay/pkg/skills"
)

var operands = skills.Schema{
	{Name: "a", Kind: skills.KindNumber, Description: "First operand", Required: true},
	{Name: "b", Kind: skills.KindNumber, Description: "Second operand", Required: true},
}

func binary(op func(a, b float64) (float64, error)) skills.Handler {
	return func(_ context.Context, args skills.Args) (any, error) {
		v, err := op(args.Float("a"), args.Float("b"))
		if err != nil {
			return nil, err
		}
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, errors.New("result is not a finite number")
		}
		return v, nil
	}
}

// Math is basic arithmetic.
func Math() skills.Skill {
	return skills.Skill{
		Name:        "math",
		Description: "Arithmetic on two numbers",
		Category:    "math",
		Tools: []skills.ToolSpec{
			{
				Name:        "add",
				Description: "Add b to a",
				Parameters:  operands,
				Handler:     binary(func(a, b float64) (float64, error) { return a + b, nil }),
			},
			{
				Name:        "subtract",
				Description: "Subtract b from a",
				Parameters:  operands,
				Handler:     binary(func(a, b float64) (float64, error) { return a - b, nil }),
			},
			{
				Name:        "multiply",
				Description: "Multiply a by b",
				Parameters:  operands,
				Handler:     binary(func(a, b float64) (float64, error) { return a * b, nil }),
			},
			{
				Name:        "divide",
				Description: "Divide a by b",
				Parameters:  operands,
				Handler: binary(func(a, b float64) (float64, error) {
					if b == 0 {
						return 0, errors.New("division by zero")
					}
					return a / b, nil
				}),
			},
		},
	}
}
