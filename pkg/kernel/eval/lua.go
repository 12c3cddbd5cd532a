package eval

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/Shopify/go-lua"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
)

// Lua evaluates expressions as Lua. Each text is first tried as an
// expression (`return <text>`) and then as a statement chunk.
type Lua struct {
	statePool chan *lua.State
}

const (
	luaStatePoolSize    = 10
	luaGlobalTableIndex = -2
	luaArrayTableIndex  = -3
	luaMapTableIndex    = -3
	luaGlobalTableName  = "_G"
)

var (
	ErrLuaLoad      = errors.New("lua load error")
	ErrLuaExecution = errors.New("lua execution error")
)

var luaExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

// NewLua creates a Lua evaluator with a small state pool.
func NewLua() *Lua {
	return &Lua{
		statePool: make(chan *lua.State, luaStatePoolSize),
	}
}

func (e *Lua) Name() string { return NameLua }

// Eval runs text with every env entry bound as a global.
func (e *Lua) Eval(text string, env map[string]any) (any, error) {
	L := e.getState()
	defer e.returnState(L, env)

	setupSandbox(L)
	for name, value := range env {
		goToLua(L, value)
		L.SetGlobal(name)
	}

	if err := lua.LoadString(L, "return "+text); err != nil {
		L.SetTop(0)
		if err := lua.LoadString(L, text); err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrLuaLoad, text, err)
		}
	}
	if err := L.ProtectedCall(0, 1, 0); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrLuaExecution, text, err)
	}
	out := luaToGo(L, -1)
	L.Pop(1)
	return out, nil
}

// Check parses text as an expression or a statement chunk without
// running it.
func (e *Lua) Check(text string) error {
	L := e.getState()
	defer e.returnState(L, nil)

	if err := lua.LoadString(L, "return "+text); err == nil {
		return nil
	}
	L.SetTop(0)
	if err := lua.LoadString(L, text); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrLuaLoad, text, err)
	}
	return nil
}

func setupSandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(luaGlobalTableIndex, name)
	}
	L.Pop(1)
}

func (e *Lua) getState() *lua.State {
	select {
	case L := <-e.statePool:
		return L
	default:
		return lua.NewState()
	}
}

func (e *Lua) returnState(L *lua.State, env map[string]any) {
	L.SetTop(0)
	for name := range env {
		L.PushNil()
		L.SetGlobal(name)
	}

	select {
	case e.statePool <- L:
	default:
	}
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int64:
		L.PushInteger(int(v))
	case float64:
		L.PushNumber(v)
	case []any:
		pushLuaArray(L, v)
	case dict.Dict:
		pushLuaMap(L, v)
	case map[string]any:
		pushLuaMap(L, v)
	case Func:
		pushLuaFunc(L, v)
	case []byte:
		L.PushString(string(v))
	case error:
		L.PushString(v.Error())
	case nil:
		L.PushNil()
	default:
		pushLuaReflect(L, v)
	}
}

// pushLuaReflect converts typed numbers, slices and string-keyed maps.
// Anything else is pushed as its text.
func pushLuaReflect(L *lua.State, v any) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		L.PushBoolean(rv.Bool())
		return
	case reflect.String:
		L.PushString(rv.String())
		return
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		L.PushInteger(int(rv.Int()))
		return
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		L.PushInteger(int(rv.Uint()))
		return
	case reflect.Float32, reflect.Float64:
		L.PushNumber(rv.Float())
		return
	case reflect.Slice, reflect.Array:
		L.CreateTable(rv.Len(), 0)
		for i := 0; i < rv.Len(); i++ {
			L.PushInteger(i + 1)
			goToLua(L, rv.Index(i).Interface())
			L.SetTable(luaArrayTableIndex)
		}
		return
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		L.CreateTable(0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			L.PushString(iter.Key().String())
			goToLua(L, iter.Value().Interface())
			L.SetTable(luaMapTableIndex)
		}
		return
	case reflect.Pointer:
		if rv.IsNil() {
			L.PushNil()
			return
		}
	}
	L.PushString(fmt.Sprintf("%v", v))
}

func pushLuaArray(L *lua.State, arr []any) {
	L.CreateTable(len(arr), 0)
	for i, item := range arr {
		L.PushInteger(i + 1)
		goToLua(L, item)
		L.SetTable(luaArrayTableIndex)
	}
}

func pushLuaMap(L *lua.State, m map[string]any) {
	L.CreateTable(0, len(m))
	for k, val := range m {
		L.PushString(k)
		goToLua(L, val)
		L.SetTable(luaMapTableIndex)
	}
}

func pushLuaFunc(L *lua.State, fn Func) {
	L.PushGoFunction(func(L *lua.State) int {
		n := L.Top()
		args := make([]any, n)
		for i := 1; i <= n; i++ {
			args[i-1] = luaToGo(L, i)
		}
		res, err := fn(args...)
		if err != nil {
			lua.Errorf(L, "%s", err.Error())
		}
		goToLua(L, res)
		return 1
	})
}

func luaNumberToGo(L *lua.State, index int) any {
	num, _ := L.ToNumber(index)
	if num == float64(int(num)) {
		return int(num)
	}
	return num
}

func luaToGo(L *lua.State, index int) any {
	switch L.TypeOf(index) {
	case lua.TypeNil:
		return nil
	case lua.TypeBoolean:
		return L.ToBoolean(index)
	case lua.TypeNumber:
		return luaNumberToGo(L, index)
	case lua.TypeString:
		s, _ := L.ToString(index)
		return s
	case lua.TypeTable:
		return luaTableToAny(L, index)
	default:
		return nil
	}
}

func luaTableToAny(L *lua.State, index int) any {
	abs := L.AbsIndex(index)
	isArray := true
	length := 0

	L.PushNil()
	for L.Next(abs) {
		if L.TypeOf(-2) != lua.TypeNumber {
			isArray = false
			L.Pop(2)
			break
		}
		length++
		L.Pop(1)
	}

	if isArray && length > 0 {
		arr := make([]any, length)
		for i := 1; i <= length; i++ {
			L.RawGetInt(abs, i)
			arr[i-1] = luaToGo(L, -1)
			L.Pop(1)
		}
		return arr
	}

	result := dict.New()
	L.PushNil()
	for L.Next(abs) {
		var key string
		if L.TypeOf(-2) == lua.TypeString {
			key, _ = L.ToString(-2)
		} else {
			key = fmt.Sprintf("%v", luaToGo(L, -2))
		}
		result[key] = luaToGo(L, -1)
		L.Pop(1)
	}
	return result
}
