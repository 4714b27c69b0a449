package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"webhooklog/internal/credentials"
	"webhooklog/internal/logsink"
)

// memorySink collects appended records in memory
type memorySink struct {
	mu      sync.Mutex
	records []string
	calls   int
	err     error
}

func (m *memorySink) Append(records []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *memorySink) Records() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.records...)
}

// staticVerifier accepts exactly the pairs in its map
type staticVerifier map[string]string

func (v staticVerifier) Check(username, password string) bool {
	expected, ok := v[username]
	return ok && expected == password
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestServer(t *testing.T, verifier Verifier) (*Server, *memorySink) {
	t.Helper()
	sink := &memorySink{}
	return NewServer(sink, verifier, testLogger()), sink
}

func doRequest(s *Server, method, path, contentType, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func assertResponse(t *testing.T, rr *httptest.ResponseRecorder, wantCode int, wantBody string) {
	t.Helper()
	if rr.Code != wantCode {
		t.Errorf("Expected status %d, got %d", wantCode, rr.Code)
	}
	if rr.Body.String() != wantBody {
		t.Errorf("Expected body %q, got %q", wantBody, rr.Body.String())
	}
}

func TestHandleRequest_JSONArray(t *testing.T) {
	server, sink := setupTestServer(t, nil)

	rr := doRequest(server, "POST", "/", "application/json", `[{"a":1},{"b":2}]`, nil)

	assertResponse(t, rr, http.StatusOK, "OK\n")
	want := []string{`{"a":1}`, `{"b":2}`}
	if got := sink.Records(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected records %q, got %q", want, got)
	}
}

func TestHandleRequest_PlainText(t *testing.T) {
	server, sink := setupTestServer(t, nil)

	rr := doRequest(server, "POST", "/hook", "text/plain", "not json", nil)

	assertResponse(t, rr, http.StatusOK, "OK\n")
	want := []string{"UNKNOWN: not json"}
	if got := sink.Records(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected records %q, got %q", want, got)
	}
}

func TestHandleRequest_MissingContentType(t *testing.T) {
	server, sink := setupTestServer(t, nil)

	rr := doRequest(server, "POST", "/", "", `{"a":1}`, nil)

	assertResponse(t, rr, http.StatusOK, "OK\n")
	want := []string{`UNKNOWN: {"a":1}`}
	if got := sink.Records(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected records %q, got %q", want, got)
	}
}

func TestHandleRequest_InvalidJSONStillOK(t *testing.T) {
	server, sink := setupTestServer(t, nil)

	rr := doRequest(server, "POST", "/", "application/json", `{broken`, nil)

	assertResponse(t, rr, http.StatusOK, "OK\n")
	if len(sink.Records()) != 0 {
		t.Errorf("Expected no records, got %q", sink.Records())
	}
	if sink.calls != 0 {
		t.Errorf("Sink should not be called without records, got %d calls", sink.calls)
	}
}

func TestHandleRequest_InvalidUTF8JSONDropped(t *testing.T) {
	server, sink := setupTestServer(t, nil)

	rr := doRequest(server, "POST", "/", "application/json", "{\"a\":\"\xff\xfe\"}", nil)

	assertResponse(t, rr, http.StatusOK, "OK\n")
	if len(sink.Records()) != 0 {
		t.Errorf("Expected no records, got %q", sink.Records())
	}
}

func TestHandleRequest_EmptyArray(t *testing.T) {
	server, sink := setupTestServer(t, nil)

	rr := doRequest(server, "POST", "/", "application/json", `[]`, nil)

	assertResponse(t, rr, http.StatusOK, "OK\n")
	if len(sink.Records()) != 0 {
		t.Errorf("Expected no records, got %q", sink.Records())
	}
}

func TestHandleRequest_Health(t *testing.T) {
	server, sink := setupTestServer(t, staticVerifier{"alice": "secret"})

	tests := []struct {
		name   string
		method string
		header map[string]string
	}{
		{"get without credentials", "GET", nil},
		{"post without credentials", "POST", nil},
		{"head", "HEAD", nil},
		{"wrong credentials", "GET", map[string]string{"Authorization": BasicAuthHeader("alice", "wrong")}},
		{"malformed credentials", "POST", map[string]string{"Authorization": "Bearer abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(server, tt.method, "/health", "application/json", `[1,2,3]`, tt.header)

			if rr.Code != http.StatusOK {
				t.Errorf("Expected status 200, got %d", rr.Code)
			}
			if tt.method != "HEAD" && rr.Body.String() != "OK\n" {
				t.Errorf("Expected body OK, got %q", rr.Body.String())
			}
		})
	}

	if sink.calls != 0 {
		t.Errorf("Health checks must not write records, got %d appends", sink.calls)
	}
}

func TestHandleRequest_CustomHealthPath(t *testing.T) {
	server, sink := setupTestServer(t, nil)
	server.HealthPath = "/-/ready"

	assertResponse(t, doRequest(server, "GET", "/-/ready", "", "", nil), http.StatusOK, "OK\n")
	assertResponse(t, doRequest(server, "GET", "/health", "", "", nil), http.StatusBadRequest, "Bad method\n")

	if sink.calls != 0 {
		t.Errorf("Expected no appends, got %d", sink.calls)
	}
}

func TestHandleRequest_BadMethod(t *testing.T) {
	server, sink := setupTestServer(t, nil)

	for _, method := range []string{"GET", "PUT", "DELETE", "PATCH", "OPTIONS", "PROPFIND"} {
		t.Run(method, func(t *testing.T) {
			rr := doRequest(server, method, "/", "application/json", `{"a":1}`, nil)
			assertResponse(t, rr, http.StatusBadRequest, "Bad method\n")
		})
	}

	if sink.calls != 0 {
		t.Errorf("Expected no appends, got %d", sink.calls)
	}
}

func TestHandleRequest_BadMethodBeforeAuth(t *testing.T) {
	server, _ := setupTestServer(t, staticVerifier{"alice": "secret"})

	rr := doRequest(server, "GET", "/", "", "", nil)

	assertResponse(t, rr, http.StatusBadRequest, "Bad method\n")
}

func TestHandleRequest_Authentication(t *testing.T) {
	verifier := staticVerifier{"alice": "secret"}

	tests := []struct {
		name     string
		header   map[string]string
		wantCode int
		wantBody string
	}{
		{
			name:     "valid credentials",
			header:   map[string]string{"Authorization": BasicAuthHeader("alice", "secret")},
			wantCode: http.StatusOK,
			wantBody: "OK\n",
		},
		{
			name:     "wrong password",
			header:   map[string]string{"Authorization": BasicAuthHeader("alice", "guess")},
			wantCode: http.StatusUnauthorized,
			wantBody: "401 Unauthorized\n",
		},
		{
			name:     "unknown user",
			header:   map[string]string{"Authorization": BasicAuthHeader("mallory", "secret")},
			wantCode: http.StatusUnauthorized,
			wantBody: "401 Unauthorized\n",
		},
		{
			name:     "missing header",
			header:   nil,
			wantCode: http.StatusUnauthorized,
			wantBody: "401 Unauthorized\n",
		},
		{
			name:     "bearer scheme",
			header:   map[string]string{"Authorization": "Bearer token"},
			wantCode: http.StatusUnauthorized,
			wantBody: "401 Unauthorized\n",
		},
		{
			name:     "bad base64",
			header:   map[string]string{"Authorization": "Basic !!!not-base64"},
			wantCode: http.StatusUnauthorized,
			wantBody: "401 Unauthorized\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, sink := setupTestServer(t, verifier)

			rr := doRequest(server, "POST", "/", "application/json", `{"event":"x"}`, tt.header)

			assertResponse(t, rr, tt.wantCode, tt.wantBody)

			wantRecords := 0
			if tt.wantCode == http.StatusOK {
				wantRecords = 1
			}
			if got := len(sink.Records()); got != wantRecords {
				t.Errorf("Expected %d records, got %d", wantRecords, got)
			}
		})
	}
}

func TestHandleRequest_SinkErrorStillOK(t *testing.T) {
	server, sink := setupTestServer(t, nil)
	sink.err = errors.New("no space left on device")

	rr := doRequest(server, "POST", "/", "application/json", `{"a":1}`, nil)

	assertResponse(t, rr, http.StatusOK, "OK\n")
	if sink.calls != 1 {
		t.Errorf("Expected 1 append attempt, got %d", sink.calls)
	}
}

func TestHandleRequest_BodyReadFailureAborts(t *testing.T) {
	server, sink := setupTestServer(t, nil)

	req := httptest.NewRequest("POST", "/", failingReader{})
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("Expected http.ErrAbortHandler panic, got %v", rec)
		}
		if sink.calls != 0 {
			t.Errorf("Expected no appends, got %d", sink.calls)
		}
		if rr.Body.Len() != 0 {
			t.Errorf("Expected no response body, got %q", rr.Body.String())
		}
	}()

	server.Router().ServeHTTP(rr, req)
}

func TestHandleRequest_MaxBodyBytes(t *testing.T) {
	server, sink := setupTestServer(t, nil)
	server.MaxBodyBytes = 16

	rr := doRequest(server, "POST", "/", "text/plain", strings.Repeat("x", 17), nil)
	assertResponse(t, rr, http.StatusRequestEntityTooLarge, "Payload too large\n")

	rr = doRequest(server, "POST", "/", "text/plain", strings.Repeat("x", 16), nil)
	assertResponse(t, rr, http.StatusOK, "OK\n")

	if got := sink.Records(); len(got) != 1 {
		t.Errorf("Expected only the small body to be recorded, got %q", got)
	}
}

func TestHandleRequest_ContentTypeHeader(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	for _, path := range []string{"/", "/health"} {
		req := httptest.NewRequest("POST", path, strings.NewReader(""))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if ct := rr.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
			t.Errorf("%s: expected text/plain content type, got %q", path, ct)
		}
	}
}

func TestAuthenticate_AuditLogOmitsPassword(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", BasicAuthHeader("alice", "hunter2"))

	if !Authenticate(req, staticVerifier{"alice": "hunter2"}, logger) {
		t.Fatal("Expected authentication to succeed")
	}

	logged := buf.String()
	if !strings.Contains(logged, `"user":"alice"`) {
		t.Errorf("Audit log should record the user, got %s", logged)
	}
	if strings.Contains(logged, "hunter2") {
		t.Errorf("Audit log must not contain the password, got %s", logged)
	}
}

func TestAuthenticate_OpenMode(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)

	if !Authenticate(req, nil, testLogger()) {
		t.Error("Nil verifier should accept every request")
	}
}

func TestRateLimit(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	server.RateLimit = 2
	router := server.Router()

	send := func(path, remote string) int {
		req := httptest.NewRequest("POST", path, strings.NewReader("x"))
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("/", "192.0.2.1:1000"); code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i+1, code)
		}
	}
	if code := send("/", "192.0.2.1:2000"); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 once the burst is spent, got %d", code)
	}
	if code := send("/", "192.0.2.2:1000"); code != http.StatusOK {
		t.Errorf("Other clients must not be limited, got %d", code)
	}
	if code := send("/health", "192.0.2.1:3000"); code != http.StatusOK {
		t.Errorf("Health checks must not be limited, got %d", code)
	}
}

func TestHandleRequest_WithLogSinkAndCredentials(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "hooks.log")

	sink, err := logsink.Open(logPath, logsink.Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Failed to open sink: %v", err)
	}
	defer sink.Close()

	store := credentials.New(map[string]string{
		"hook": "{SHA}5en6G6MezRroT3XKqkdPOmY/BfQ=", // "secret"
	}, nil)

	server := NewServer(sink, store, testLogger())

	auth := map[string]string{"Authorization": BasicAuthHeader("hook", "secret")}
	assertResponse(t, doRequest(server, "POST", "/", "application/json", "[{\"a\": 1}, {\"b\": 2}]", auth), http.StatusOK, "OK\n")
	assertResponse(t, doRequest(server, "POST", "/", "text/plain", "not json", auth), http.StatusOK, "OK\n")
	assertResponse(t, doRequest(server, "POST", "/", "text/plain", "rejected", nil), http.StatusUnauthorized, "401 Unauthorized\n")
	assertResponse(t, doRequest(server, "GET", "/health", "", "", nil), http.StatusOK, "OK\n")

	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	want := "{\"a\":1}\n{\"b\":2}\nUNKNOWN: not json\n"
	if string(data) != want {
		t.Errorf("Log file = %q, want %q", string(data), want)
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	server, sink := setupTestServer(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	resp, err := http.Post("http://"+ln.Addr().String()+"/", "application/json", strings.NewReader(`{"live":true}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != "OK\n" {
		t.Errorf("Unexpected response %d %q", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	if err := <-errCh; err != nil {
		t.Errorf("Serve() returned %v after shutdown, want nil", err)
	}

	if got := sink.Records(); !reflect.DeepEqual(got, []string{`{"live":true}`}) {
		t.Errorf("Unexpected records %q", got)
	}
}

func TestServer_StartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	server, _ := setupTestServer(t, nil)

	if err := server.Start("127.0.0.1", port); err == nil {
		t.Error("Expected bind failure on a port already in use")
	}
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	if err := server.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() before Start should be a no-op, got %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	if err := server.Serve(ln); err != nil {
		t.Errorf("Serve() after Shutdown should return nil, got %v", err)
	}
	if _, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		t.Error("Listener should be closed when Serve runs after Shutdown")
	}
}
