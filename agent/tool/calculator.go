package tool

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

const ToolCalculator = "calculator"

type CalculatorOutput struct {
	Expression string  `json:"expression"`
	Result     float64 `json:"result"`
}

func CalculatorDescriptor() Descriptor {
	return Descriptor{
		Name:        ToolCalculator,
		Description: "Evaluate an arithmetic expression. Supports + - * / % ^ and parentheses.",
		Params: []Param{
			{Name: "expression", Type: TypeString, Description: "Expression to evaluate, e.g. (2+3)*4", Required: true},
		},
		Timeout:    5 * time.Second,
		Idempotent: true,
	}
}

func Calculator() Adapter {
	return AdapterFunc(func(_ context.Context, args map[string]any) (any, error) {
		expression, _ := args["expression"].(string)
		expression = strings.TrimSpace(expression)

		result, err := Evaluate(expression)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", contractx.ErrValidation, err)
		}
		return CalculatorOutput{Expression: expression, Result: result}, nil
	})
}

// Evaluate parses and evaluates an arithmetic expression. ^ is right
// associative; unary signs bind tightest, so -2^2 is 4.
func Evaluate(expression string) (float64, error) {
	tokens, err := tokenize(expression)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, fmt.Errorf("expression is empty")
	}
	p := &exprParser{tokens: tokens}
	v, err := p.binary(0)
	if err != nil {
		return 0, err
	}
	if p.pos < len(p.tokens) {
		return 0, fmt.Errorf("unexpected %q at position %d", p.tokens[p.pos].text, p.tokens[p.pos].at)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return v, nil
}

type token struct {
	text string
	num  float64
	isOp bool
	at   int
}

func tokenize(s string) ([]token, error) {
	var out []token
	for i := 0; i < len(s); {
		ch := s[i]
		switch {
		case ch == ' ' || ch == '\t':
			i++
		case strings.IndexByte("+-*/%^()", ch) >= 0:
			out = append(out, token{text: string(ch), isOp: true, at: i})
			i++
		case ch >= '0' && ch <= '9' || ch == '.':
			start := i
			for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
				i++
			}
			n, err := strconv.ParseFloat(s[start:i], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q at position %d", s[start:i], start)
			}
			out = append(out, token{text: s[start:i], num: n, at: start})
		default:
			return nil, fmt.Errorf("invalid character %q at position %d", ch, i)
		}
	}
	return out, nil
}

var precedence = map[string]int{"+": 1, "-": 1, "*": 2, "/": 2, "%": 2, "^": 3}

type exprParser struct {
	tokens []token
	pos    int
}

func (p *exprParser) peekOp() (string, bool) {
	if p.pos >= len(p.tokens) || !p.tokens[p.pos].isOp {
		return "", false
	}
	return p.tokens[p.pos].text, true
}

func (p *exprParser) binary(minPrec int) (float64, error) {
	left, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		op, ok := p.peekOp()
		prec, isBinary := precedence[op]
		if !ok || !isBinary || prec < minPrec {
			return left, nil
		}
		p.pos++
		next := prec + 1
		if op == "^" {
			next = prec
		}
		right, err := p.binary(next)
		if err != nil {
			return 0, err
		}
		if left, err = apply(op, left, right); err != nil {
			return 0, err
		}
	}
}

func (p *exprParser) unary() (float64, error) {
	if op, ok := p.peekOp(); ok && (op == "-" || op == "+") {
		p.pos++
		v, err := p.unary()
		if op == "-" {
			v = -v
		}
		return v, err
	}
	return p.primary()
}

func (p *exprParser) primary() (float64, error) {
	if p.pos >= len(p.tokens) {
		return 0, fmt.Errorf("unexpected end of expression")
	}
	tok := p.tokens[p.pos]
	p.pos++
	if !tok.isOp {
		return tok.num, nil
	}
	if tok.text != "(" {
		return 0, fmt.Errorf("unexpected %q at position %d", tok.text, tok.at)
	}
	v, err := p.binary(0)
	if err != nil {
		return 0, err
	}
	if op, ok := p.peekOp(); !ok || op != ")" {
		return 0, fmt.Errorf("missing closing parenthesis for position %d", tok.at)
	}
	p.pos++
	return v, nil
}

func apply(op string, a, b float64) (float64, error) {
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return a / b, nil
	case "%":
		if b == 0 {
			return 0, fmt.Errorf("modulo by zero")
		}
		return math.Mod(a, b), nil
	case "^":
		return math.Pow(a, b), nil
	}
	return 0, fmt.Errorf("unknown operator %q", op)
}
