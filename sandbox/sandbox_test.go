package sandbox

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zral/mongo-crud-api-sub001/log"
	"github.com/zral/mongo-crud-api-sub001/types"
)

func testSandbox(t *testing.T, cfg Config) *Sandbox {
	t.Helper()
	return New(log.Nop(), cfg)
}

func TestExecute_ReturnsValue(t *testing.T) {
	s := testSandbox(t, Config{})

	res, err := s.Execute(testContext(t), "s1", `return 1 + 2`, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected success, got %s", res.Error)
	}
	if res.Value != int64(3) {
		t.Errorf("expected 3, got %v (%T)", res.Value, res.Value)
	}
}

func TestExecute_PayloadVisible(t *testing.T) {
	s := testSandbox(t, Config{})

	payload := types.Document{
		"event":      "update",
		"collection": "orders",
		"document":   map[string]any{"status": "paid", "total": 42.5},
	}

	res, err := s.Execute(testContext(t), "s1",
		`return payload.collection .. ":" .. payload.document.status`,
		payload, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected success, got %s", res.Error)
	}
	if res.Value != "orders:paid" {
		t.Errorf("expected orders:paid, got %v", res.Value)
	}
}

func TestExecute_ContextVisible(t *testing.T) {
	s := testSandbox(t, Config{})

	res, err := s.Execute(testContext(t), "s1", `return context.trigger`,
		nil, types.Document{"trigger": "cron", "scheduled": true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Value != "cron" {
		t.Errorf("expected cron, got %v", res.Value)
	}
}

func TestExecute_CompileError(t *testing.T) {
	s := testSandbox(t, Config{})

	res, err := s.Execute(testContext(t), "s1", `return ][`, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.Kind != ErrorCompile {
		t.Errorf("expected compile error, got %s (%s)", res.Kind, res.Error)
	}
}

func TestExecute_RuntimeError(t *testing.T) {
	s := testSandbox(t, Config{})

	res, err := s.Execute(testContext(t), "s1", `error("user exploded")`, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.Kind != ErrorRuntime {
		t.Errorf("expected runtime error, got %s", res.Kind)
	}
}

func TestExecute_Timeout(t *testing.T) {
	s := testSandbox(t, Config{Timeout: 200 * time.Millisecond})

	start := time.Now()
	res, err := s.Execute(testContext(t), "s1", `while true do end`, nil, nil)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.OK {
		t.Fatal("expected timeout failure")
	}
	if res.Kind != ErrorTimeout {
		t.Errorf("expected timeout, got %s (%s)", res.Kind, res.Error)
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("timeout enforcement too slow: %v", elapsed)
	}
}

func TestExecute_NoFileOrProcessAccess(t *testing.T) {
	s := testSandbox(t, Config{})

	for _, code := range []string{
		`return os.execute("id")`,
		`return io.open("/etc/passwd")`,
		`return dofile("/etc/passwd")`,
		`return loadfile("/etc/passwd")`,
		`return require("io")`,
	} {
		res, err := s.Execute(testContext(t), "s1", code, nil, nil)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if res.OK {
			t.Errorf("script %q must not succeed", code)
		}
	}
}

func TestExecute_JSONHelpers(t *testing.T) {
	s := testSandbox(t, Config{})

	res, err := s.Execute(testContext(t), "s1",
		`local obj = json.decode('{"a": 1, "b": [2, 3]}')
		 return json.encode(obj.b)`, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected success, got %s", res.Error)
	}
	if res.Value != "[2,3]" {
		t.Errorf("expected [2,3], got %v", res.Value)
	}
}

func TestExecute_APIHelper(t *testing.T) {
	var gotUA, gotMethod, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "doc-1", "status": "created"}`))
	}))
	defer srv.Close()

	s := testSandbox(t, Config{APIBaseURL: srv.URL})

	res, err := s.Execute(testContext(t), "s1",
		`local resp = api.post("/api/orders", { name = "widget" })
		 return resp.status`, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected success, got %s", res.Error)
	}
	if res.Value != "created" {
		t.Errorf("expected created, got %v", res.Value)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/orders" {
		t.Errorf("unexpected request %s %s", gotMethod, gotPath)
	}
	if gotUA != DefaultUserAgent {
		t.Errorf("expected user agent %q, got %q", DefaultUserAgent, gotUA)
	}

	var body map[string]any
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("request body not JSON: %v", err)
	}
	if body["name"] != "widget" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestExecute_APIHelperNon2xxRaises(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := testSandbox(t, Config{APIBaseURL: srv.URL})

	// Uncaught api error fails the script...
	res, err := s.Execute(testContext(t), "s1", `return api.get("/nope")`, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure on 403")
	}

	// ...but pcall can catch it.
	res, err = s.Execute(testContext(t), "s1",
		`local ok, err = pcall(function() return api.get("/nope") end)
		 return ok`, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected success, got %s", res.Error)
	}
	if res.Value != false {
		t.Errorf("pcall should report false, got %v", res.Value)
	}
}

func TestExecute_APIDisabledWithoutBaseURL(t *testing.T) {
	s := testSandbox(t, Config{})

	res, err := s.Execute(testContext(t), "s1", `return api.get("/x")`, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.OK {
		t.Fatal("api surface must be absent without a base URL")
	}
}

func TestExecute_ConsoleDoesNotCrash(t *testing.T) {
	s := testSandbox(t, Config{})

	res, err := s.Execute(testContext(t), "s1",
		`console.log("hello", 42)
		 console.warn("careful")
		 console.error("bad")
		 return true`, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected success, got %s", res.Error)
	}
}

func TestExecute_IsolatedStates(t *testing.T) {
	s := testSandbox(t, Config{})

	if _, err := s.Execute(testContext(t), "s1", `leak = "value"`, nil, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	res, err := s.Execute(testContext(t), "s1", `return leak == nil`, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Value != true {
		t.Error("globals must not leak between executions")
	}
}
