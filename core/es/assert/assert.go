// Package assert expresses business rules of aggregate commands as
// composable conditions. A failed condition yields a *Violation, which
// matches ErrViolation with errors.Is.
package assert

import (
	"errors"
	"fmt"
)

var ErrViolation = errors.New("domain rule violation")

// Violation names the rule a command broke.
type Violation struct {
	Rule string
}

func (v *Violation) Error() string        { return fmt.Sprintf("%s: %s", ErrViolation.Error(), v.Rule) }
func (v *Violation) Is(target error) bool { return target == ErrViolation }

// Violated returns a *Violation for rule, formatted like fmt.Sprintf.
func Violated(rule string, args ...any) error {
	if len(args) > 0 {
		rule = fmt.Sprintf(rule, args...)
	}
	return &Violation{Rule: rule}
}

type Func func() error
type CondFunc func() bool

type Cond interface {
	String() string
	Eval() bool
	Check() error
}

type cond struct {
	name  string
	cond  CondFunc
	check func() error
}

func (c *cond) Check() error   { return c.check() }
func (c *cond) String() string { return c.name }
func (c *cond) Eval() bool     { return c.cond() }

func newCond(name string, condFn CondFunc) *cond {
	return &cond{name: name, cond: condFn, check: func() error {
		if !condFn() {
			return &Violation{Rule: name}
		}
		return nil
	}}
}

func Not(c Cond) Cond {
	return newCond(fmt.Sprintf("not(%s)", c.String()), func() bool { return !c.Eval() })
}
func True(v bool, rule string) Cond  { return newCond(rule, func() bool { return v }) }
func False(v bool, rule string) Cond { return newCond(rule, func() bool { return !v }) }

// That defers evaluation until Check or Eval is called.
func That(fn CondFunc, rule string) Cond { return newCond(rule, fn) }

func All(cs ...Cond) Cond {
	all := newCond("all", func() bool {
		for _, c := range cs {
			if !c.Eval() {
				return false
			}
		}
		return true
	})

	// report the first failing rule, not "all"
	all.check = func() error {
		for _, c := range cs {
			if err := c.Check(); err != nil {
				return err
			}
		}
		return nil
	}

	return all
}

func Assert(cond ...Cond) Func {
	return All(cond...).Check
}
