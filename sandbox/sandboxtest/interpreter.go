package sandboxtest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	identRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	assignRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([^=].*)$`)
	callRe   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)\((.*)\)$`)
	raiseRe  = regexp.MustCompile(`^raise\s+([A-Za-z_][A-Za-z0-9_]*)(?:\((.*)\))?$`)
)

// Interpret runs source against ns and returns what it printed and, if it
// failed, a traceback-like error text. Bindings are written to ns as they
// happen, so a failing statement keeps earlier assignments.
func Interpret(ctx context.Context, ns map[string]any, source string) (stdout, errText string) {
	var out strings.Builder

	for lineNo, line := range strings.Split(source, "\n") {
		for _, stmt := range strings.Split(line, ";") {
			stmt = strings.TrimSpace(stmt)
			if msg := execStatement(ctx, ns, stmt, &out); msg != "" {
				return out.String(), traceback(lineNo+1, msg)
			}
		}
	}
	return out.String(), ""
}

func execStatement(ctx context.Context, ns map[string]any, stmt string, out *strings.Builder) string {
	switch {
	case stmt == "" || stmt == "pass" || strings.HasPrefix(stmt, "#"):
		return ""
	case strings.HasPrefix(stmt, "import ") || strings.HasPrefix(stmt, "from "):
		return ""
	}

	if m := raiseRe.FindStringSubmatch(stmt); m != nil {
		msg := strings.Trim(strings.TrimSpace(m[2]), `"'`)
		if msg == "" {
			return m[1]
		}
		return m[1] + ": " + msg
	}

	if m := callRe.FindStringSubmatch(stmt); m != nil {
		switch m[1] {
		case "print":
			var parts []string
			for _, arg := range splitArgs(m[2]) {
				v, err := eval(ns, arg)
				if err != nil {
					return err.Error()
				}
				parts = append(parts, format(v))
			}
			out.WriteString(strings.Join(parts, " ") + "\n")
			return ""
		case "time.sleep":
			secs, err := strconv.ParseFloat(strings.TrimSpace(m[2]), 64)
			if err != nil {
				return "TypeError: an integer is required"
			}
			select {
			case <-time.After(time.Duration(secs * float64(time.Second))):
				return ""
			case <-ctx.Done():
				return "KeyboardInterrupt"
			}
		}
	}

	if m := assignRe.FindStringSubmatch(stmt); m != nil {
		v, err := eval(ns, strings.TrimSpace(m[2]))
		if err != nil {
			return err.Error()
		}
		ns[m[1]] = v
		return ""
	}

	return "SyntaxError: unsupported statement: " + stmt
}

func eval(ns map[string]any, expr string) (any, error) {
	expr = strings.TrimSpace(expr)

	if lhs, rhs, ok := strings.Cut(expr, " + "); ok {
		a, err := eval(ns, lhs)
		if err != nil {
			return nil, err
		}
		b, err := eval(ns, rhs)
		if err != nil {
			return nil, err
		}
		return add(a, b)
	}

	switch expr {
	case "True":
		return true, nil
	case "False":
		return false, nil
	case "None":
		return nil, nil
	}

	if identRe.MatchString(expr) {
		v, ok := ns[expr]
		if !ok {
			return nil, fmt.Errorf("NameError: name '%s' is not defined", expr)
		}
		return v, nil
	}

	if len(expr) >= 2 && expr[0] == '\'' && expr[len(expr)-1] == '\'' {
		expr = strconv.Quote(expr[1 : len(expr)-1])
	}

	dec := json.NewDecoder(strings.NewReader(expr))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return nil, fmt.Errorf("SyntaxError: invalid syntax: %s", expr)
	}
	return v, nil
}

func add(a, b any) (any, error) {
	switch x := a.(type) {
	case json.Number:
		y, ok := b.(json.Number)
		if !ok {
			break
		}
		if xi, err := x.Int64(); err == nil {
			if yi, err := y.Int64(); err == nil {
				return json.Number(strconv.FormatInt(xi+yi, 10)), nil
			}
		}
		xf, _ := x.Float64()
		yf, _ := y.Float64()
		return json.Number(strconv.FormatFloat(xf+yf, 'g', -1, 64)), nil
	case string:
		if y, ok := b.(string); ok {
			return x + y, nil
		}
	}
	return nil, fmt.Errorf("TypeError: unsupported operand type(s) for +")
}

func format(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

// splitArgs splits a call's argument list on top-level commas.
func splitArgs(s string) []string {
	var (
		args  []string
		depth int
		quote rune
		start int
	)
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '[' || r == '{' || r == '(':
			depth++
		case r == ']' || r == '}' || r == ')':
			depth--
		case r == ',' && depth == 0:
			args = append(args, s[start:i])
			start = i + 1
		}
	}
	if strings.TrimSpace(s[start:]) != "" {
		args = append(args, s[start:])
	}
	return args
}

func traceback(line int, msg string) string {
	return fmt.Sprintf("Traceback (most recent call last):\n  File \"<sandbox>\", line %d, in <module>\n%s\n", line, msg)
}
