package modinfo

import (
	"fmt"
	"strings"

	"github.com/bobuhiro11/gokboot/addr"
)

// Var is one environment variable.
type Var struct {
	Name  string
	Value string
}

// Environment is the ordered set of variables passed to the kernel.
type Environment struct {
	vars []Var
}

// NewEnvironment returns an environment holding vars in order.
func NewEnvironment(vars ...Var) *Environment {
	e := &Environment{}
	for _, v := range vars {
		e.Set(v.Name, v.Value)
	}

	return e
}

// ParseVar splits "name=value". A bare name has an empty value.
func ParseVar(s string) (Var, error) {
	name, value, _ := strings.Cut(s, "=")
	if name == "" {
		return Var{}, fmt.Errorf("ParseVar(%q): empty name", s)
	}

	return Var{Name: name, Value: value}, nil
}

// Set adds or replaces a variable. A replaced variable keeps its position.
func (e *Environment) Set(name, value string) {
	for i := range e.vars {
		if e.vars[i].Name == name {
			e.vars[i].Value = value

			return
		}
	}

	e.vars = append(e.vars, Var{Name: name, Value: value})
}

// Get returns the value of name.
func (e *Environment) Get(name string) (string, bool) {
	for _, v := range e.vars {
		if v.Name == name {
			return v.Value, true
		}
	}

	return "", false
}

// Unset removes name.
func (e *Environment) Unset(name string) {
	for i, v := range e.vars {
		if v.Name == name {
			e.vars = append(e.vars[:i], e.vars[i+1:]...)

			return
		}
	}
}

// Vars returns the variables in order.
func (e *Environment) Vars() []Var {
	return e.vars
}

// Len returns the number of variables.
func (e *Environment) Len() int {
	return len(e.vars)
}

// Copy writes the environment block at base and returns its end. With a
// nil dst nothing is written.
func (e *Environment) Copy(dst Sink, base addr.Kern) (addr.Kern, error) {
	c := &copier{dst: dst, at: base, word: 1}

	for _, v := range e.vars {
		c.put([]byte(v.Name + "=" + v.Value + "\x00"))
	}

	c.put([]byte{0})

	return c.at, c.err
}

// Size returns the number of bytes Copy writes.
func (e *Environment) Size() uint64 {
	end, _ := e.Copy(nil, 0)

	return uint64(end)
}
