package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"rift-relay/internal/client"
	"rift-relay/internal/config"
	"rift-relay/internal/service"
)

// newTestRelayHandler builds the full relay chain against the given origin.
func newTestRelayHandler(t *testing.T, origin string) *RelayHandler {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:          origin,
			TimeoutSeconds:   10,
			IdleConnections:  10,
			MaxResponseBytes: 1 << 20,
			HealthPath:       "/api/health",
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc, err := service.NewRelayService(uc, cfg, logger)
	if err != nil {
		t.Fatalf("NewRelayService: %v", err)
	}
	return NewRelayHandler(svc, logger)
}

func TestRelayHandler_Handle_JSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RequestURI() != "/api/whatif?ring=R1" {
			t.Errorf("RequestURI = %q, want %q", r.URL.RequestURI(), "/api/whatif?ring=R1")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"remove":["A"]}` {
			t.Errorf("body = %q, want %q", body, `{"remove":["A"]}`)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "rift")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/whatif?ring=R1", strings.NewReader(`{"remove":["A"]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != `{"result":"ok"}` {
		t.Errorf("body = %q, want %q", rec.Body.String(), `{"result":"ok"}`)
	}
	if v := rec.Header().Get("X-Backend"); v != "rift" {
		t.Errorf("X-Backend = %q, want %q", v, "rift")
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestRelayHandler_Handle_Multipart(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "transactions.csv")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("transaction_id,sender_id,receiver_id,amount,timestamp\nT1,A,B,100,2024-01-01 00:00:00\n"))
	_ = mw.Close()
	payload := buf.Bytes()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ := io.ReadAll(r.Body)
		if !bytes.Equal(got, payload) {
			t.Errorf("multipart body not byte-identical: got %d bytes, want %d", len(got), len(payload))
		}
		if r.Header.Get("Content-Type") != mw.FormDataContentType() {
			t.Errorf("Content-Type = %q, want %q", r.Header.Get("Content-Type"), mw.FormDataContentType())
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", bytes.NewReader(payload))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRelayHandler_Handle_EmptyBodySentAsNoBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 0 {
			t.Errorf("ContentLength = %d, want 0", r.ContentLength)
		}
		if len(r.TransferEncoding) != 0 {
			t.Errorf("TransferEncoding = %v, want none", r.TransferEncoding)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/health", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestRelayHandler_Handle_PassesThroughStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
	}{
		{"not found", http.StatusNotFound, nil},
		{"server error", http.StatusInternalServerError, nil},
		{"redirect", http.StatusMovedPermanently, map[string]string{"Location": "https://elsewhere.example.com/api/x"}},
		{"see other", http.StatusSeeOther, map[string]string{"Location": "/api/download"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"detail":"x"}`))
			}))
			defer upstream.Close()

			h := newTestRelayHandler(t, upstream.URL)

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/x", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.Handle(c); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			for k, v := range tt.header {
				if got := rec.Header().Get(k); got != v {
					t.Errorf("%s = %q, want %q", k, got, v)
				}
			}
			if rec.Body.String() != `{"detail":"x"}` {
				t.Errorf("body = %q, want %q", rec.Body.String(), `{"detail":"x"}`)
			}
		})
	}
}

// Request targets are written on a raw connection so the relay sees the
// request line exactly as a client sent it.
func TestRelayHandler_Handle_RequestTargetForms(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		wantURI string
	}{
		{"origin form", "/api/teapot?q=1", "/api/teapot?q=1"},
		{"absolute form", "http://example.com/api/teapot?q=1", "/api/teapot?q=1"},
		{"escaped path", "/api/files/a%2Fb?name=x%20y", "/api/files/a%2Fb?name=x%20y"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotURI := make(chan string, 1)
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotURI <- r.RequestURI
				w.WriteHeader(http.StatusOK)
			}))
			defer upstream.Close()

			h := newTestRelayHandler(t, upstream.URL)
			e := echo.New()
			e.Any("/api/*", h.Handle)
			srv := httptest.NewServer(e)
			defer srv.Close()

			conn, err := net.Dial("tcp", srv.Listener.Addr().String())
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close()

			_, err = fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n", tt.target)
			if err != nil {
				t.Fatalf("write request: %v", err)
			}
			resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
			if err != nil {
				t.Fatalf("read response: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
			}
			if got := <-gotURI; got != tt.wantURI {
				t.Errorf("upstream RequestURI = %q, want %q", got, tt.wantURI)
			}
		})
	}
}

func TestRelayHandler_Handle_UpstreamDown(t *testing.T) {
	// Grab a free port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	origin := "http://" + ln.Addr().String()
	_ = ln.Close()

	h := newTestRelayHandler(t, origin)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader("data"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected non-empty error field")
	}
	if body["upstream"] != origin {
		t.Errorf("upstream = %q, want %q", body["upstream"], origin)
	}
}

func TestRelayHandler_Handle_ResponseTooLarge(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 2<<20))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/download", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if strings.Contains(rec.Body.String(), "xxxx") {
		t.Error("partial upstream data must not be forwarded")
	}
}

func TestRelayHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/analyze", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestRelayHandler_Warmup(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/api/health")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/warmup", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Warmup(c); err != nil {
		t.Fatalf("Warmup() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want %q", body["status"], "ok")
	}
	if body["upstream"] != upstream.URL {
		t.Errorf("upstream = %v, want %q", body["upstream"], upstream.URL)
	}
	if body["upstream_status"] != float64(http.StatusOK) {
		t.Errorf("upstream_status = %v, want %d", body["upstream_status"], http.StatusOK)
	}
}

func TestRelayHandler_Warmup_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	origin := "http://" + ln.Addr().String()
	_ = ln.Close()

	h := newTestRelayHandler(t, origin)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/warmup", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Warmup(c); err != nil {
		t.Fatalf("Warmup() error = %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "unreachable" {
		t.Errorf("status = %v, want %q", body["status"], "unreachable")
	}
	if body["error"] == nil || body["error"] == "" {
		t.Error("expected error field")
	}
}

func TestDescribeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "dns failure",
			err:  fmt.Errorf("forward to upstream: %w", &url.Error{Op: "Get", URL: "https://x.example", Err: &net.DNSError{Err: "no such host", Name: "x.example"}}),
			want: "upstream host unreachable",
		},
		{
			name: "connection refused",
			err:  fmt.Errorf("forward to upstream: %w", &url.Error{Op: "Get", URL: "https://x.example", Err: fmt.Errorf("connection refused")}),
			want: "upstream connection failed",
		},
		{
			name: "deadline",
			err:  fmt.Errorf("forward to upstream: %w", context.DeadlineExceeded),
			want: "upstream request timed out",
		},
		{
			name: "canceled",
			err:  fmt.Errorf("forward to upstream: %w", context.Canceled),
			want: "client disconnected",
		},
		{
			name: "too large",
			err:  fmt.Errorf("read upstream body: %w", client.ErrResponseTooLarge),
			want: "upstream response too large",
		},
		{
			name: "other",
			err:  fmt.Errorf("something else"),
			want: "upstream request failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeError(tt.err); got != tt.want {
				t.Errorf("describeError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRelayHandler_mapError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &RelayHandler{logger: logger}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/analyze", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.mapError(c, fmt.Errorf("forward to upstream: %w", context.DeadlineExceeded)); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d; every forwarding failure is a 502", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "upstream request timed out" {
		t.Errorf("error = %q, want %q", body["error"], "upstream request timed out")
	}
}
