package lockserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/tablesync/dbopen"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	clk := &clock{t: time.UnixMilli(1_700_000_000_000)}
	return NewStore(db, WithStoreClock(clk.now)), clk
}

func TestStore_DocumentVersions(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	doc, err := s.LoadDocument(ctx, "board-state")
	if err != nil || doc.Version != 0 || string(doc.Data) != "null" {
		t.Fatalf("missing doc: %+v %v", doc, err)
	}
	v, err := s.SaveDocument(ctx, "board-state", json.RawMessage(`{"a":1}`), nil)
	if err != nil || v != 1 {
		t.Fatalf("first save: %d %v", v, err)
	}
	expected := int64(1)
	if v, err = s.SaveDocument(ctx, "board-state", json.RawMessage(`{"a":2}`), &expected); err != nil || v != 2 {
		t.Fatalf("second save: %d %v", v, err)
	}
	_, err = s.SaveDocument(ctx, "board-state", json.RawMessage(`{"a":3}`), &expected)
	var vm *VersionMismatchError
	if !errors.As(err, &vm) || vm.Current.Version != 2 || string(vm.Current.Data) != `{"a":2}` {
		t.Fatalf("stale save: %v", err)
	}
}

func TestStore_LeaseLifecycle(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()

	l1, err := s.Acquire(ctx, "3,4", "user1", "Alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Acquire(ctx, "3,4", "user2", "Bob", time.Minute)
	var held *LeaseHeldError
	if !errors.As(err, &held) || held.Lease.HolderID != "user1" || held.Lease.HolderName != "Alice" {
		t.Fatalf("second acquire: %v", err)
	}

	clk.advance(30 * time.Second)
	l2, err := s.Renew(ctx, "3,4", "user1", "Alice", time.Minute)
	if err != nil || !l2.ExpiresAt.After(l1.ExpiresAt) || l2.LeaseID != l1.LeaseID {
		t.Fatalf("renew: %+v %v", l2, err)
	}

	clk.advance(2 * time.Minute)
	if _, err := s.Renew(ctx, "3,4", "user1", "Alice", time.Minute); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("renew after expiry: %v", err)
	}
	if _, err := s.Acquire(ctx, "3,4", "user2", "Bob", time.Minute); err != nil {
		t.Fatalf("expired lease should be free: %v", err)
	}
	if released, err := s.Release(ctx, "3,4", "user1"); err != nil || released {
		t.Fatalf("release by non-holder: %v %v", released, err)
	}
	if released, err := s.Release(ctx, "3,4", "user2"); err != nil || !released {
		t.Fatalf("release by holder: %v %v", released, err)
	}
}

func TestStore_SaveCell(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()

	if _, err := s.Acquire(ctx, "1,1", "user1", "Alice", time.Minute); err != nil {
		t.Fatal(err)
	}
	_, err := s.SaveCell(ctx, "1,1", "user2", json.RawMessage(`"hack"`), 0)
	var held *LeaseHeldError
	if !errors.As(err, &held) {
		t.Fatalf("non-holder save: %v", err)
	}
	v, err := s.SaveCell(ctx, "1,1", "user1", json.RawMessage(`"notes"`), 0)
	if err != nil || v != 1 {
		t.Fatalf("holder save: %d %v", v, err)
	}
	_, err = s.SaveCell(ctx, "1,1", "user1", json.RawMessage(`"again"`), 0)
	var vm *VersionMismatchError
	if !errors.As(err, &vm) || vm.Current.Version != 1 || string(vm.Current.Data) != `"notes"` {
		t.Fatalf("stale save: %v", err)
	}

	clk.advance(2 * time.Minute)
	if n, err := s.PurgeExpired(ctx); err != nil || n != 1 {
		t.Fatalf("purge: %d %v", n, err)
	}
	if _, err := s.SaveCell(ctx, "1,1", "user2", json.RawMessage(`"free"`), 1); err != nil {
		t.Fatalf("save after lease expiry: %v", err)
	}
}

type reply struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
	Details json.RawMessage `json:"details"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, _ := newStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(New(s, WithLogger(logger)).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url string, body string) (int, reply) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var r reply
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return resp.StatusCode, r
}

func TestHTTP_HexLockConflict(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/api/hex/lock"

	code, r := post(t, url, `{"hex_id":"3,4","holder_id":"user1","holder_name":"Alice","action":"acquire"}`)
	if code != 200 || !r.Success {
		t.Fatalf("acquire: %d %+v", code, r)
	}
	code, r = post(t, url, `{"hex_id":"3,4","holder_id":"user2","holder_name":"Bob"}`)
	if code != http.StatusConflict || r.Success {
		t.Fatalf("second acquire: %d %+v", code, r)
	}
	var d struct {
		LockedBy struct {
			HolderID   string `json:"holder_id"`
			HolderName string `json:"holder_name"`
		} `json:"locked_by"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(r.Details, &d); err != nil {
		t.Fatal(err)
	}
	if d.LockedBy.HolderID != "user1" || d.LockedBy.HolderName != "Alice" || d.ExpiresAt == "" {
		t.Fatalf("details: %s", r.Details)
	}

	code, r = post(t, url, `{"hex_id":"3,4","holder_id":"user1","action":"release"}`)
	if code != 200 || !r.Success {
		t.Fatalf("release: %d %+v", code, r)
	}
	if code, _ = post(t, url, `{"hex_id":"3,4","holder_id":"user2","holder_name":"Bob"}`); code != 200 {
		t.Fatalf("acquire after release: %d", code)
	}
}

func TestHTTP_HexSaveVersionConflict(t *testing.T) {
	srv := newTestServer(t)
	save := srv.URL + "/api/hex/save"

	code, r := post(t, save, `{"hex_id":"1,2","holder_id":"u1","data":{"notes":"a"},"expected_version":0}`)
	if code != 200 || !bytes.Contains(r.Data, []byte(`"version_number":1`)) {
		t.Fatalf("first save: %d %+v", code, r)
	}
	code, r = post(t, save, `{"hex_id":"1,2","holder_id":"u2","data":{"notes":"b"},"expected_version":0}`)
	if code != http.StatusConflict {
		t.Fatalf("stale save: %d", code)
	}
	var d struct {
		CurrentData    json.RawMessage `json:"current_data"`
		CurrentVersion int64           `json:"current_version"`
	}
	if err := json.Unmarshal(r.Details, &d); err != nil {
		t.Fatal(err)
	}
	if string(d.CurrentData) != `{"notes":"a"}` || d.CurrentVersion != 1 {
		t.Fatalf("details: %s", r.Details)
	}

	code, r = post(t, srv.URL+"/api/hex/load", `{"hex_id":"1,2"}`)
	if code != 200 || !bytes.Contains(r.Data, []byte(`"notes":"a"`)) {
		t.Fatalf("load: %d %s", code, r.Data)
	}
}

func TestHTTP_BoardSaveLoad(t *testing.T) {
	srv := newTestServer(t)
	code, r := post(t, srv.URL+"/api/board/save", `{"key":"board-state","data":{"grid":{"size":70}}}`)
	if code != 200 || !r.Success {
		t.Fatalf("save: %d %+v", code, r)
	}
	code, r = post(t, srv.URL+"/api/board/load", `{"key":"board-state"}`)
	if code != 200 {
		t.Fatalf("load: %d", code)
	}
	var doc Document
	if err := json.Unmarshal(r.Data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Version != 1 || string(doc.Data) != `{"grid":{"size":70}}` {
		t.Fatalf("doc: %+v", doc)
	}
}

func TestHTTP_BadRequests(t *testing.T) {
	srv := newTestServer(t)
	cases := []struct {
		path, body string
		want       int
	}{
		{"/api/board/save", `not json`, 400},
		{"/api/board/save", `{"key":"bad key!","data":{}}`, 400},
		{"/api/board/save", `{"key":"k"}`, 400},
		{"/api/hex/lock", `{"hex_id":"1,1"}`, 400},
		{"/api/hex/lock", `{"hex_id":"1,1","holder_id":"u","action":"steal"}`, 400},
		{"/api/hex/lock", `{"hex_id":"1,1","holder_id":"u","action":"renew"}`, 410},
	}
	for _, tc := range cases {
		if code, _ := post(t, srv.URL+tc.path, tc.body); code != tc.want {
			t.Errorf("%s %s: got %d, want %d", tc.path, tc.body, code, tc.want)
		}
	}
}

func TestHTTP_HealthAndHeaders(t *testing.T) {
	srv := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "abc123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "abc123" {
		t.Fatalf("request id %q", got)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff header")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestHTTP_FailureLogCarriesHolder(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	var logs lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	srv := httptest.NewServer(New(NewStore(db), WithLogger(logger)).Handler())
	t.Cleanup(srv.Close)
	db.Close()

	status, _ := post(t, srv.URL+"/api/hex/save", `{"hex_id":"1,1","holder_id":"user7","data":{"n":1}}`)
	if status != http.StatusInternalServerError {
		t.Fatalf("status %d", status)
	}
	out := logs.String()
	if !strings.Contains(out, `"msg":"lockserver: request failed"`) || !strings.Contains(out, `"holder_id":"user7"`) {
		t.Fatalf("failure log: %s", out)
	}
	if !strings.Contains(out, `"request_id"`) {
		t.Fatalf("failure log without request id: %s", out)
	}
}
