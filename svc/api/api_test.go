package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"bindrop/cfg"
	"bindrop/pkg/domain"
	"bindrop/pkg/kms"
	"bindrop/svc/auth"
	"bindrop/svc/db"
	"bindrop/svc/lim"
	"bindrop/svc/svc"
)

type testEnv struct {
	server *Server
	admin  *auth.Admin
	db     *db.SQLite
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	c := &cfg.Cfg{
		Port:              "8080",
		Environment:       "test",
		LogLevel:          "error",
		SettingsCacheSize: 64,
		SettingsCacheTTL:  time.Minute,
		MaxTextSize:       64 * 1024,
		MaxFileSize:       256 * 1024,
		MaxTTL:            time.Hour,
		DefaultTTL:        30 * time.Minute,
		AllowedFileExts:   []string{".txt"},
		RateLimit: cfg.RateLimitCfg{
			CreateWindows:     "100/1m",
			ReadWindows:       "100/1m",
			UnlockWindows:     "100/1m",
			ConservativeLimit: 5,
		},
		ContextTimeout: 5 * time.Second,
		KeyCacheTTL:    time.Minute,
	}

	sqlDB, err := db.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	adapter, err := kms.NewLocalAdapter(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("local kms: %v", err)
	}
	admin, err := auth.NewAdmin(bytes.Repeat([]byte{5}, 32))
	if err != nil {
		t.Fatalf("admin auth: %v", err)
	}

	settings := svc.NewSettings(sqlDB, c)
	drops := svc.NewDrops(sqlDB, nil, adapter, settings, c)
	t.Cleanup(drops.Shutdown)
	limiter := lim.New(sqlDB, nil, c.RateLimit.ConservativeLimit)
	t.Cleanup(limiter.Stop)

	server := NewServer(c, Deps{
		Drops:    drops,
		Settings: settings,
		Limiter:  limiter,
		Admin:    admin,
		DB:       sqlDB,
	})
	return &testEnv{server: server, admin: admin, db: sqlDB}
}

func (e *testEnv) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Length", strconv.Itoa(len(body)))
		req.ContentLength = int64(len(body))
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createDrop(t *testing.T, body string) string {
	t.Helper()
	w := e.do(t, "POST", "/drops", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body)
	}
	var resp CreateResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create resp: %v", err)
	}
	return resp.ID
}

func TestCreateAndGetDrop(t *testing.T) {
	env := newTestEnv(t)
	id := env.createDrop(t, `{"content":"fmt.Println(42)","language":"go"}`)

	w := env.do(t, "GET", "/drops/"+id, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, body %s", w.Code, w.Body)
	}
	var resp ReadResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Content != "fmt.Println(42)" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Language != "go" || resp.ViewCount != 1 {
		t.Errorf("meta = %+v", resp.Meta)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestGetMissingDrop(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/drops/nosuchdrop1", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestPasswordFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	id := env.createDrop(t, `{"content":"classified","password":"hunter2","title":"ops notes","language":"go"}`)

	w := env.do(t, "GET", "/drops/"+id, "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unprotected get status = %d", w.Code)
	}
	// The lock screen renders from the 401 body, so it carries the
	// password-free metadata but never the content.
	var locked struct {
		Error struct {
			Code string       `json:"code"`
			Meta *domain.Meta `json:"meta"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &locked); err != nil {
		t.Fatalf("decode 401 body: %v", err)
	}
	if locked.Error.Code != "PASSWORD_REQUIRED" {
		t.Errorf("401 code = %q", locked.Error.Code)
	}
	if locked.Error.Meta == nil {
		t.Fatal("401 body missing drop metadata")
	}
	if locked.Error.Meta.Title != "ops notes" || locked.Error.Meta.Language != "go" {
		t.Errorf("401 meta = %+v", locked.Error.Meta)
	}
	if locked.Error.Meta.ViewCount != 0 {
		t.Errorf("locked view count = %d", locked.Error.Meta.ViewCount)
	}
	if strings.Contains(w.Body.String(), "classified") {
		t.Error("401 body leaked content")
	}

	w = env.do(t, "POST", "/drops/"+id+"/unlock", `{"password":"wrong"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d", w.Code)
	}

	// Metadata stays reachable without the password.
	w = env.do(t, "GET", "/drops/"+id+"/meta", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("meta status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "classified") {
		t.Error("meta leaked content")
	}

	w = env.do(t, "POST", "/drops/"+id+"/unlock", `{"password":"hunter2"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unlock status = %d, body %s", w.Code, w.Body)
	}
	var resp ReadResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Content != "classified" {
		t.Errorf("unlocked content = %q", resp.Content)
	}
}

func TestBurnOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	id := env.createDrop(t, `{"content":"ephemeral","burn_after_read":true}`)

	for i := 0; i < 2; i++ {
		if w := env.do(t, "GET", "/drops/"+id, "", nil); w.Code != http.StatusOK {
			t.Fatalf("read %d status = %d", i+1, w.Code)
		}
	}
	if w := env.do(t, "GET", "/drops/"+id, "", nil); w.Code != http.StatusNotFound {
		t.Errorf("third read status = %d, want 404", w.Code)
	}
}

func TestCreateRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/drops", `{"content":""}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty content status = %d", w.Code)
	}
	w = env.do(t, "POST", "/drops", `{"content":"x","duration":"yesterday"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad duration status = %d", w.Code)
	}
	w = env.do(t, "POST", "/drops", `{"content":"x","unknown":"field"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/drops", strings.NewReader("content=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.ContentLength = 9
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("form post status = %d", rec.Code)
	}
}

func TestAdminSurfaceRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	id := env.createDrop(t, `{"content":"target"}`)

	w := env.do(t, "DELETE", "/admin/drops/"+id, "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("tokenless delete status = %d", w.Code)
	}
	w = env.do(t, "DELETE", "/admin/drops/"+id, "", map[string]string{
		"Authorization": "Bearer garbage",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("forged token status = %d", w.Code)
	}

	token := env.admin.Mint(time.Minute)
	w = env.do(t, "DELETE", "/admin/drops/"+id, "", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("admin delete status = %d, body %s", w.Code, w.Body)
	}
	if w = env.do(t, "GET", "/drops/"+id, "", nil); w.Code != http.StatusNotFound {
		t.Errorf("deleted drop status = %d", w.Code)
	}
}

func TestBlockedAddressRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.admin.Mint(time.Minute)

	// httptest requests arrive from 192.0.2.1.
	w := env.do(t, "POST", "/admin/blocks", `{"address":"192.0.2.1","reason":"test"}`, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("block status = %d, body %s", w.Code, w.Body)
	}

	w = env.do(t, "POST", "/drops", `{"content":"nope"}`, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("blocked create status = %d", w.Code)
	}

	w = env.do(t, "DELETE", "/admin/blocks/192.0.2.1", "", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("unblock status = %d", w.Code)
	}
	if w = env.do(t, "POST", "/drops", `{"content":"ok now"}`, nil); w.Code != http.StatusCreated {
		t.Errorf("post-unblock create status = %d", w.Code)
	}
}

func TestRateLimitHeadersAndEnforcement(t *testing.T) {
	env := newTestEnv(t)
	token := env.admin.Mint(time.Minute)

	w := env.do(t, "PUT", "/admin/settings", `{"rate_create_windows":"2/1m"}`, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("settings update status = %d, body %s", w.Code, w.Body)
	}
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w = env.do(t, "POST", "/drops", `{"content":"hello"}`, nil)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusCreated || codes[1] != http.StatusCreated {
		t.Fatalf("first two creates = %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third create = %d, want 429", codes[2])
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After on limited response")
	}
	if w.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("missing X-RateLimit-Limit header")
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, "GET", "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
	w := env.do(t, "GET", "/ready", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ready status = %d", w.Code)
	}
	var ready ReadyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &ready); err != nil {
		t.Fatal(err)
	}
	if !ready.Ready || ready.Database != "up" {
		t.Errorf("ready = %+v", ready)
	}
	if ready.Redis != "unavailable" || ready.Blobs != "unavailable" {
		t.Errorf("optional deps = %+v", ready)
	}
}
