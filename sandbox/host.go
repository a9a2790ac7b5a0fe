package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/log"
)

// maxSleep bounds the scriptable sleep call.
const maxSleep = 10 * time.Second

// hostAPI is the frozen surface a script context is built from. All
// extension points are explicit methods; scripts cannot reach anything the
// host did not install.
type hostAPI struct {
	logger *log.Logger
	api    *apiClient
}

// install wires the host surface into a fresh Lua state.
func (h *hostAPI) install(L *lua.LState) {
	// console.log / warn / error
	console := L.NewTable()
	L.SetField(console, "log", L.NewFunction(h.logFn(func(msg string) {
		h.logger.Info("script output", zap.String("output", msg))
	})))
	L.SetField(console, "warn", L.NewFunction(h.logFn(func(msg string) {
		h.logger.Warn("script output", zap.String("output", msg))
	})))
	L.SetField(console, "error", L.NewFunction(h.logFn(func(msg string) {
		h.logger.Error("script output", zap.String("output", msg))
	})))
	L.SetGlobal("console", console)

	// utils.now / timestamp
	utils := L.NewTable()
	L.SetField(utils, "now", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(time.Now().UTC().Format(time.RFC3339)))
		return 1
	}))
	L.SetField(utils, "timestamp", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().UnixMilli()))
		return 1
	}))
	L.SetGlobal("utils", utils)

	// json.encode / decode
	jsonTbl := L.NewTable()
	L.SetField(jsonTbl, "encode", L.NewFunction(func(L *lua.LState) int {
		data, err := json.Marshal(fromLua(L.CheckAny(1)))
		if err != nil {
			L.RaiseError("json encode: %s", err)
			return 0
		}
		L.Push(lua.LString(data))
		return 1
	}))
	L.SetField(jsonTbl, "decode", L.NewFunction(func(L *lua.LState) int {
		var out any
		if err := json.Unmarshal([]byte(L.CheckString(1)), &out); err != nil {
			L.RaiseError("json decode: %s", err)
			return 0
		}
		L.Push(toLua(L, out))
		return 1
	}))
	L.SetGlobal("json", jsonTbl)

	// sleep(seconds), clamped and cancellation-aware
	L.SetGlobal("sleep", L.NewFunction(func(L *lua.LState) int {
		d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
		if d < 0 {
			d = 0
		}
		if d > maxSleep {
			d = maxSleep
		}
		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			L.RaiseError("sleep interrupted: %s", ctx.Err())
		}
		return 0
	}))

	// api.get / post / put / delete
	if h.api != nil {
		apiTbl := L.NewTable()
		L.SetField(apiTbl, "get", L.NewFunction(h.api.luaRequest(http.MethodGet)))
		L.SetField(apiTbl, "post", L.NewFunction(h.api.luaRequest(http.MethodPost)))
		L.SetField(apiTbl, "put", L.NewFunction(h.api.luaRequest(http.MethodPut)))
		L.SetField(apiTbl, "delete", L.NewFunction(h.api.luaRequest(http.MethodDelete)))
		L.SetGlobal("api", apiTbl)
	}
}

// logFn adapts variadic Lua log arguments to a single sink call.
func (h *hostAPI) logFn(sink func(string)) lua.LGFunction {
	return func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, lua.LVAsString(L.ToStringMeta(L.Get(i))))
		}
		sink(strings.Join(parts, " "))
		return 0
	}
}

// apiClient performs HTTP requests on behalf of sandboxed scripts against
// the operator-configured base URL. Non-2xx statuses and transport errors
// surface as Lua errors so scripts can pcall around them.
type apiClient struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration, userAgent string) *apiClient {
	return &apiClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// luaRequest builds the Lua-callable for one HTTP method. Signature on the
// Lua side: api.method(endpoint [, body]) -> parsed response.
func (a *apiClient) luaRequest(method string) lua.LGFunction {
	return func(L *lua.LState) int {
		endpoint := L.CheckString(1)

		var body io.Reader
		if L.GetTop() >= 2 {
			data, err := json.Marshal(fromLua(L.Get(2)))
			if err != nil {
				L.RaiseError("api: encode body: %s", err)
				return 0
			}
			body = bytes.NewReader(data)
		}

		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		result, err := a.do(ctx, method, endpoint, body)
		if err != nil {
			L.RaiseError("api: %s", err)
			return 0
		}
		L.Push(toLua(L, result))
		return 1
	}
}

// do performs one request and parses a JSON response when present.
func (a *apiClient) do(ctx context.Context, method, endpoint string, body io.Reader) (any, error) {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", a.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d", method, endpoint, resp.StatusCode)
	}

	if len(data) == 0 {
		return nil, nil
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		// Non-JSON responses come back as raw strings.
		return string(data), nil
	}
	return parsed, nil
}
