package constraints

import (
	"regexp"
	"strconv"
	"sync"

	"golang.org/x/text/cases"
)

type Result int

const (
	// NoConstraint means the expression is not a constraint at all.
	NoConstraint Result = iota
	Pass
	Fail
)

func (r Result) String() string {
	switch r {
	case NoConstraint:
		return "no-constraint"
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	}
	return "unknown"
}

// Func evaluates a callback constraint against the requested value, as
// written in the expression. The returned message is used when it fails.
type Func func(value string) (ok bool, msg string)

var exprPattern = regexp.MustCompile(`(?i)^/([a-z/0-9_-]+)(?::([a-z/0-9_-]+))?$`)

type constraint interface {
	match(name, value string) (bool, string)
}

type intConstraint int

func (c intConstraint) match(name, value string) (bool, string) {
	if value == "" {
		return true, ""
	}
	want, err := strconv.Atoi(value)
	if err != nil {
		return false, name + " expects a number"
	}
	if int(c) >= want {
		return true, ""
	}
	return false, name + " needs to be at least " + value
}

type boolConstraint bool

func (c boolConstraint) match(name, value string) (bool, string) {
	want := true
	switch fold(value) {
	case "", "true":
	case "false":
		want = false
	default:
		return false, name + " expects true or false"
	}
	if bool(c) == want {
		return true, ""
	}
	if want {
		return false, name + " needs to be enabled"
	}
	return false, name + " needs to be disabled"
}

type stringConstraint string

func (c stringConstraint) match(name, value string) (bool, string) {
	if value == "" || fold(value) == string(c) {
		return true, ""
	}
	return false, name + " needs to be " + string(c)
}

type funcConstraint Func

func (c funcConstraint) match(_, value string) (bool, string) {
	return c(value)
}

// Matcher evaluates constraint expressions of the form /name or
// /name:value against registered named constraints. Names are case-folded;
// bool and string values compare case-folded, callbacks see the raw value.
// Safe for concurrent use.
type Matcher struct {
	mu          sync.RWMutex
	constraints map[string]constraint
	enforcing   bool
}

// NewMatcher creates a matcher. With enforcing off every failure is
// reported as Pass, keeping its message.
func NewMatcher(enforcing bool) *Matcher {
	return &Matcher{constraints: make(map[string]constraint), enforcing: enforcing}
}

func (m *Matcher) SetInt(name string, v int)       { m.set(name, intConstraint(v)) }
func (m *Matcher) SetBool(name string, v bool)     { m.set(name, boolConstraint(v)) }
func (m *Matcher) SetString(name string, v string) { m.set(name, stringConstraint(fold(v))) }
func (m *Matcher) SetFunc(name string, fn Func)    { m.set(name, funcConstraint(fn)) }

func (m *Matcher) set(name string, c constraint) {
	m.mu.Lock()
	m.constraints[fold(name)] = c
	m.mu.Unlock()
}

func (m *Matcher) SetEnforcing(on bool) {
	m.mu.Lock()
	m.enforcing = on
	m.mu.Unlock()
}

// Match evaluates expr. Expressions that do not start with '/' are
// NoConstraint; malformed ones and unknown names fail.
func (m *Matcher) Match(expr string) (Result, string) {
	if len(expr) == 0 || expr[0] != '/' {
		return NoConstraint, ""
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	groups := exprPattern.FindStringSubmatch(expr)
	if groups == nil {
		return m.fail("invalid constraint syntax " + expr)
	}
	name, value := fold(groups[1]), groups[2]

	c, ok := m.constraints[name]
	if !ok {
		return m.fail("unknown constraint " + name)
	}
	if ok, msg := c.match(name, value); !ok {
		return m.fail(msg)
	}
	return Pass, ""
}

func (m *Matcher) fail(msg string) (Result, string) {
	if !m.enforcing {
		return Pass, msg
	}
	return Fail, msg
}

// fold builds a fresh Caser per call; a Caser is not safe to share.
func fold(s string) string {
	if s == "" {
		return s
	}
	return cases.Fold().String(s)
}
