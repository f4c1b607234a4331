// Package expr implements the small expression language used in workflow
// conditions, transforms and template interpolation. Values follow JSON
// typing: nil, bool, float64, string, []any and map[string]any. Evaluation
// is pure; a missing path resolves to nil.
package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
)

// Scope is the variable bag an expression is evaluated against.
type Scope map[string]any

// Eval parses and evaluates src against the scope.
func Eval(src string, scope Scope) (any, error) {
	node, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return node.eval(scope)
}

// EvalBool evaluates src and requires a boolean result.
func EvalBool(src string, scope Scope) (bool, error) {
	v, err := Eval(src, scope)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: condition result is %s, want bool", domain.ErrExpressionType, typeName(v))
	}
	return b, nil
}

// Interpolate replaces every ${expr} occurrence in the template with the
// stringified evaluation result. A template that is exactly one ${expr}
// returns the raw value instead of a string.
func Interpolate(template string, scope Scope) (any, error) {
	start := strings.Index(template, "${")
	if start < 0 {
		return template, nil
	}
	end := matchBrace(template, start+2)
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated ${ in template", domain.ErrExpressionParse)
	}
	// Whole-template expression keeps its type.
	if start == 0 && end == len(template)-1 {
		return Eval(template[2:end], scope)
	}

	var sb strings.Builder
	rest := template
	for {
		i := strings.Index(rest, "${")
		if i < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:i])
		j := matchBrace(rest, i+2)
		if j < 0 {
			return nil, fmt.Errorf("%w: unterminated ${ in template", domain.ErrExpressionParse)
		}
		v, err := Eval(rest[i+2:j], scope)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(v))
		rest = rest[j+1:]
	}
}

// matchBrace returns the index of the '}' closing the expression that
// starts at from, skipping braces inside string literals.
func matchBrace(s string, from int) int {
	inStr := byte(0)
	for i := from; i < len(s); i++ {
		c := s[i]
		if inStr != 0 {
			if c == '\\' {
				i++
			} else if c == inStr {
				inStr = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inStr = c
		case '}':
			return i
		}
	}
	return -1
}

func (n *literalNode) eval(Scope) (any, error) { return n.value, nil }

func (n *pathNode) eval(scope Scope) (any, error) {
	var cur any = map[string]any(scope)
	for _, seg := range n.segments {
		if cur == nil {
			return nil, nil
		}
		if seg.isIdx {
			arr, ok := cur.([]any)
			if !ok || seg.index < 0 || seg.index >= len(arr) {
				return nil, nil
			}
			cur = arr[seg.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, nil
		}
		cur = m[seg.field]
	}
	return cur, nil
}

func (n *unaryNode) eval(scope Scope) (any, error) {
	v, err := n.child.eval(scope)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokNot:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: operand of ! is %s, want bool", domain.ErrExpressionType, typeName(v))
		}
		return !b, nil
	case tokMinus:
		f, ok := asNumber(v)
		if !ok {
			return nil, fmt.Errorf("%w: operand of unary - is %s, want number", domain.ErrExpressionType, typeName(v))
		}
		return -f, nil
	}
	return nil, fmt.Errorf("%w: unknown unary operator", domain.ErrInternal)
}

func (n *binaryNode) eval(scope Scope) (any, error) {
	// Short-circuit boolean operators.
	if n.op == tokAnd || n.op == tokOr {
		lv, err := n.left.eval(scope)
		if err != nil {
			return nil, err
		}
		lb, ok := lv.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: left operand of logical operator is %s, want bool", domain.ErrExpressionType, typeName(lv))
		}
		if n.op == tokAnd && !lb {
			return false, nil
		}
		if n.op == tokOr && lb {
			return true, nil
		}
		rv, err := n.right.eval(scope)
		if err != nil {
			return nil, err
		}
		rb, ok := rv.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: right operand of logical operator is %s, want bool", domain.ErrExpressionType, typeName(rv))
		}
		return rb, nil
	}

	lv, err := n.left.eval(scope)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(scope)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokEq:
		eq, err := equalValues(lv, rv)
		if err != nil {
			return nil, err
		}
		return eq, nil
	case tokNeq:
		eq, err := equalValues(lv, rv)
		if err != nil {
			return nil, err
		}
		return !eq, nil
	case tokLt, tokLte, tokGt, tokGte:
		return compareOrdered(n.op, lv, rv)
	case tokPlus:
		if ls, ok := lv.(string); ok {
			if rs, ok := rv.(string); ok {
				return ls + rs, nil
			}
		}
		return numericOp(n.op, lv, rv)
	case tokMinus, tokStar, tokSlash, tokPercent:
		return numericOp(n.op, lv, rv)
	}
	return nil, fmt.Errorf("%w: unknown binary operator", domain.ErrInternal)
}

func (n *callNode) eval(scope Scope) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(scope)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return callBuiltin(n.name, args)
}

func isBuiltin(name string) bool {
	switch name {
	case "len", "contains", "startsWith", "endsWith", "lower", "upper",
		"int", "float", "str", "bool", "coalesce":
		return true
	}
	return false
}

func callBuiltin(name string, args []any) (any, error) {
	argErr := func(want string) error {
		return fmt.Errorf("%w: %s(%s)", domain.ErrExpressionType, name, want)
	}
	switch name {
	case "len":
		if len(args) != 1 {
			return nil, argErr("x")
		}
		switch v := args[0].(type) {
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		case nil:
			return float64(0), nil
		}
		return nil, argErr("string|array|object")
	case "contains":
		if len(args) != 2 {
			return nil, argErr("s, x")
		}
		switch v := args[0].(type) {
		case string:
			sub, ok := args[1].(string)
			if !ok {
				return nil, argErr("string, string")
			}
			return strings.Contains(v, sub), nil
		case []any:
			for _, e := range v {
				if valuesEqual(e, args[1]) {
					return true, nil
				}
			}
			return false, nil
		}
		return nil, argErr("string|array, x")
	case "startsWith", "endsWith":
		if len(args) != 2 {
			return nil, argErr("s, prefix")
		}
		s, ok1 := args[0].(string)
		p, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil, argErr("string, string")
		}
		if name == "startsWith" {
			return strings.HasPrefix(s, p), nil
		}
		return strings.HasSuffix(s, p), nil
	case "lower", "upper":
		if len(args) != 1 {
			return nil, argErr("s")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, argErr("string")
		}
		if name == "lower" {
			return strings.ToLower(s), nil
		}
		return strings.ToUpper(s), nil
	case "int":
		if len(args) != 1 {
			return nil, argErr("x")
		}
		switch v := args[0].(type) {
		case float64:
			return math.Trunc(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: int(%q)", domain.ErrExpressionType, v)
			}
			return math.Trunc(f), nil
		case bool:
			if v {
				return float64(1), nil
			}
			return float64(0), nil
		}
		return nil, argErr("number|string|bool")
	case "float":
		if len(args) != 1 {
			return nil, argErr("x")
		}
		switch v := args[0].(type) {
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: float(%q)", domain.ErrExpressionType, v)
			}
			return f, nil
		}
		return nil, argErr("number|string")
	case "str":
		if len(args) != 1 {
			return nil, argErr("x")
		}
		return stringify(args[0]), nil
	case "bool":
		if len(args) != 1 {
			return nil, argErr("x")
		}
		switch v := args[0].(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1":
				return true, nil
			case "false", "0", "":
				return false, nil
			}
			return nil, fmt.Errorf("%w: bool(%q)", domain.ErrExpressionType, v)
		case float64:
			return v != 0, nil
		case nil:
			return false, nil
		}
		return nil, argErr("bool|string|number|null")
	case "coalesce":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown function %q", domain.ErrExpressionParse, name)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// equalValues implements == and !=. Mismatched operand types are a type
// error rather than "unequal", with one exception: two nulls compare equal.
// Inside arrays and objects equality is structural.
func equalValues(a, b any) (bool, error) {
	if a == nil && b == nil {
		return true, nil
	}
	if !sameType(a, b) {
		return false, fmt.Errorf("%w: cannot compare %s and %s", domain.ErrExpressionType, typeName(a), typeName(b))
	}
	return valuesEqual(a, b), nil
}

func sameType(a, b any) bool {
	if _, ok := asNumber(a); ok {
		_, ok = asNumber(b)
		return ok
	}
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	case []any:
		_, ok := b.([]any)
		return ok
	case map[string]any:
		_, ok := b.(map[string]any)
		return ok
	}
	return false
}

// valuesEqual is the loose structural equality used by contains() and for
// the elements of arrays and objects.
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if af, ok := asNumber(a); ok {
		if bf, ok := asNumber(b); ok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !valuesEqual(v, bvv) {
				return false
			}
		}
		return true
	}
	return false
}

func compareOrdered(op tokenKind, a, b any) (bool, error) {
	if a == nil && b == nil {
		// Nulls compare equal to each other.
		return op == tokLte || op == tokGte, nil
	}
	if af, ok := asNumber(a); ok {
		bf, ok := asNumber(b)
		if !ok {
			return false, orderingTypeError(a, b)
		}
		return applyOrder(op, cmpFloat(af, bf)), nil
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return false, orderingTypeError(a, b)
		}
		return applyOrder(op, strings.Compare(as, bs)), nil
	}
	return false, orderingTypeError(a, b)
}

func orderingTypeError(a, b any) error {
	return fmt.Errorf("%w: cannot order %s and %s", domain.ErrExpressionType, typeName(a), typeName(b))
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func applyOrder(op tokenKind, c int) bool {
	switch op {
	case tokLt:
		return c < 0
	case tokLte:
		return c <= 0
	case tokGt:
		return c > 0
	case tokGte:
		return c >= 0
	}
	return false
}

func numericOp(op tokenKind, a, b any) (any, error) {
	af, ok1 := asNumber(a)
	bf, ok2 := asNumber(b)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: arithmetic on %s and %s", domain.ErrExpressionType, typeName(a), typeName(b))
	}
	switch op {
	case tokPlus:
		return af + bf, nil
	case tokMinus:
		return af - bf, nil
	case tokStar:
		return af * bf, nil
	case tokSlash:
		if bf == 0 {
			return nil, fmt.Errorf("%w: division by zero", domain.ErrExpressionType)
		}
		return af / bf, nil
	case tokPercent:
		if bf == 0 {
			return nil, fmt.Errorf("%w: modulo by zero", domain.ErrExpressionType)
		}
		return math.Mod(af, bf), nil
	}
	return nil, fmt.Errorf("%w: unknown arithmetic operator", domain.ErrInternal)
}

func stringify(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return n
	case bool:
		return strconv.FormatBool(n)
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1e15 {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'g', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	if _, ok := asNumber(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
