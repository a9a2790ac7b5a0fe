package sandbox

import (
	lua "github.com/yuin/gopher-lua"
)

// toLua converts a Go value decoded from JSON/BSON into a Lua value.
// Unknown types map to nil.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// fromLua converts a Lua value back into a plain Go value. Tables with a
// contiguous integer prefix become slices, everything else becomes maps.
func fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case *lua.LTable:
		return tableToGo(val)
	default:
		return nil
	}
}

func tableToGo(tbl *lua.LTable) any {
	maxN := tbl.MaxN()
	if maxN > 0 {
		// Array-shaped table.
		arr := make([]any, 0, maxN)
		for i := 1; i <= maxN; i++ {
			arr = append(arr, fromLua(tbl.RawGetInt(i)))
		}
		return arr
	}

	obj := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			obj[string(ks)] = fromLua(v)
		}
	})
	if len(obj) == 0 {
		return map[string]any{}
	}
	return obj
}
