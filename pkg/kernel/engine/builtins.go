package engine

import (
	"fmt"
	"strings"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
)

// localsPrefix routes a builtin path to the active scope instead of the
// Context.
const localsPrefix = EnvLocals + dict.Separator

func registerBuiltins(c *Context) {
	c.RegisterExpression("set", builtinSet)
	c.RegisterExpression("get", builtinGet)
	c.RegisterExpression("has", builtinHas)
	c.RegisterExpression("push", builtinPush)
	c.RegisterExpression("new_dict", builtinNewDict)
	c.RegisterExpression("new_list", builtinNewList)
}

// target splits a builtin path into the store it addresses and the path
// within it.
func (c *Context) target(path string) (dict.Dict, string, error) {
	if rest, ok := strings.CutPrefix(path, localsPrefix); ok {
		locals := c.Locals()
		if locals == nil {
			return nil, "", ErrNoActiveFrame
		}
		return locals, rest, nil
	}
	return c.Data, path, nil
}

func pathArg(name string, args []any, n int) (string, error) {
	if len(args) != n {
		return "", fmt.Errorf("%s: expected %d arguments, got %d", name, n, len(args))
	}
	path, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("%s: path must be a string, got %T", name, args[0])
	}
	return path, nil
}

// set(path, value) writes value and returns it.
func builtinSet(c *Context, args ...any) (any, error) {
	path, err := pathArg("set", args, 2)
	if err != nil {
		return nil, err
	}
	store, rest, err := c.target(path)
	if err != nil {
		return nil, err
	}
	value := dict.Wrap(args[1])
	if err := store.SetPath(rest, value); err != nil {
		return nil, fmt.Errorf("set %s: %w", path, err)
	}
	if rest == path {
		c.recordWrite(path)
	}
	return value, nil
}

// get(path) returns the value at path, nil when it does not resolve.
func builtinGet(c *Context, args ...any) (any, error) {
	path, err := pathArg("get", args, 1)
	if err != nil {
		return nil, err
	}
	store, rest, err := c.target(path)
	if err != nil {
		return nil, err
	}
	return store.Get(rest), nil
}

func builtinHas(c *Context, args ...any) (any, error) {
	path, err := pathArg("has", args, 1)
	if err != nil {
		return nil, err
	}
	store, rest, err := c.target(path)
	if err != nil {
		return nil, err
	}
	return store.Has(rest), nil
}

// push(path, value) appends to the list at path, creating it when absent,
// and returns the new length.
func builtinPush(c *Context, args ...any) (any, error) {
	path, err := pathArg("push", args, 2)
	if err != nil {
		return nil, err
	}
	store, rest, err := c.target(path)
	if err != nil {
		return nil, err
	}
	var list []any
	if cur, err := store.Lookup(rest); err == nil && cur != nil {
		l, ok := cur.([]any)
		if !ok {
			return nil, fmt.Errorf("push %s: not a list (%T)", path, cur)
		}
		list = l
	}
	list = append(list, dict.Wrap(args[1]))
	if err := store.SetPath(rest, list); err != nil {
		return nil, fmt.Errorf("push %s: %w", path, err)
	}
	if rest == path {
		c.recordKey(path)
	}
	return len(list), nil
}

func builtinNewDict(_ *Context, args ...any) (any, error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("new_dict: expected no arguments, got %d", len(args))
	}
	return dict.New(), nil
}

func builtinNewList(_ *Context, args ...any) (any, error) {
	list := make([]any, len(args))
	for i, v := range args {
		list[i] = dict.Wrap(v)
	}
	return list, nil
}
