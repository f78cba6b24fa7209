package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fadebin/cfg"
	"fadebin/svc/cache"
	"fadebin/svc/db"
	"fadebin/svc/lim"
	"fadebin/svc/svc"
	"fadebin/svc/util"
)

func TestMain(m *testing.M) {
	util.InitLog("error", false)
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	c := &cfg.Cfg{
		Port:                 "0",
		Environment:          "test",
		MaxPastes:            100,
		MaxTotalContentBytes: 1 << 20,
		MaxPasteSize:         64 * 1024,
		TTLPresetsSecs:       []int64{600, 3600, 86400},
		DefaultTTLSecs:       86400,
		TokenLengths:         []int{4, 6, 8, 16},
		DefaultTokenLength:   8,
		ExplorePageLimit:     100,
		LRUCacheSize:         100,
		WorkerPoolSize:       2,
		MaxWorkerLoad:        100,
		ContextTimeout:       5 * time.Second,
		RateLimit:            cfg.RateLimitCfg{RPM: 100000, Burst: 100000},
	}
	store, err := db.NewStoreWithConfig(filepath.Join(t.TempDir(), "api.db"), 5, 2, 5*time.Second)
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		t.Fatalf("lru init failed: %v", err)
	}
	pasteSvc := svc.NewPaste(store, lru, nil, c)
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, nil, nil)
	srv := httptest.NewServer(NewServer(c, pasteSvc, limiter, store, nil))
	t.Cleanup(func() {
		srv.Close()
		limiter.Stop()
		pasteSvc.Shutdown()
		store.Close()
	})
	return srv
}

func createPaste(t *testing.T, srv *httptest.Server, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(srv.URL+"/pastes", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /pastes failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /pastes status = %d, want 201", resp.StatusCode)
	}
	var created map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decoding create response failed: %v", err)
	}
	return created
}

func TestCreateAndGetPaste(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, `{"content":"hello from the api","language":"go"}`)
	token, _ := created["token"].(string)
	if len(token) != 8 {
		t.Fatalf("token = %q, want 8 chars", token)
	}

	resp, err := http.Get(srv.URL + "/pastes/" + token)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got["content"] != "hello from the api" {
		t.Errorf("content = %v", got["content"])
	}
	if got["views"].(float64) < 1 {
		t.Errorf("views = %v, want at least 1", got["views"])
	}
}

func TestCreateRejectsWrongContentType(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/pastes", "text/plain", strings.NewReader("raw text"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestCreateRejectsUnknownFields(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/pastes", "application/json",
		strings.NewReader(`{"content":"x","bogus_field":true}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateRejectsEmptyContent(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/pastes", "application/json", strings.NewReader(`{"content":""}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetMissingToken(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/pastes/absent99")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRawView(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, `{"content":"plain body\nsecond line"}`)
	token := created["token"].(string)

	resp, err := http.Get(srv.URL + "/raw/" + token)
	if err != nil {
		t.Fatalf("GET /raw failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	wantDisp := fmt.Sprintf("inline; filename=%q", "paste-"+token+".txt")
	if disp := resp.Header.Get("Content-Disposition"); disp != wantDisp {
		t.Errorf("Content-Disposition = %q, want %q", disp, wantDisp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}
	if string(body) != "plain body\nsecond line" {
		t.Errorf("raw body = %q", body)
	}
}

func TestBurnOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, `{"content":"view once","max_views":1}`)
	token := created["token"].(string)

	resp, err := http.Get(srv.URL + "/pastes/" + token)
	if err != nil {
		t.Fatalf("first GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first GET status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/pastes/" + token)
	if err != nil {
		t.Fatalf("second GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second GET status = %d, want 404 after burn", resp.StatusCode)
	}
}

func TestRenewDeclinedOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, `{"content":"fresh","is_public":true}`)
	token := created["token"].(string)

	resp, err := http.Post(srv.URL+"/pastes/"+token+"/renew", "application/json", nil)
	if err != nil {
		t.Fatalf("POST renew failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("renewing a fresh paste: status = %d, want 409", resp.StatusCode)
	}
}

func TestExploreAndStats(t *testing.T) {
	srv := newTestServer(t)
	createPaste(t, srv, `{"content":"public paste","is_public":true}`)
	createPaste(t, srv, `{"content":"private paste"}`)

	resp, err := http.Get(srv.URL + "/explore")
	if err != nil {
		t.Fatalf("GET /explore failed: %v", err)
	}
	var feed struct {
		Pastes []json.RawMessage `json:"pastes"`
		Total  int64             `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		t.Fatalf("decode explore failed: %v", err)
	}
	resp.Body.Close()
	if feed.Total != 1 || len(feed.Pastes) != 1 {
		t.Errorf("explore total = %d len = %d, want 1 public paste", feed.Total, len(feed.Pastes))
	}

	resp, err = http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats failed: %v", err)
	}
	var stats struct {
		TotalCreated int64 `json:"total_created"`
		Live         int64 `json:"live"`
		Public       int64 `json:"public"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats failed: %v", err)
	}
	resp.Body.Close()
	if stats.TotalCreated != 2 || stats.Live != 2 || stats.Public != 1 {
		t.Errorf("stats = %+v, want 2 created / 2 live / 1 public", stats)
	}
}

func TestExploreItem(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, `{"content":"feed item","is_public":true}`)

	resp, err := http.Get(srv.URL + "/explore/item?offset=0")
	if err != nil {
		t.Fatalf("GET /explore/item failed: %v", err)
	}
	var item struct {
		Paste struct {
			Token string `json:"token"`
		} `json:"paste"`
		Total int64 `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	resp.Body.Close()
	if item.Paste.Token != created["token"] || item.Total != 1 {
		t.Errorf("item = %+v", item)
	}

	resp, err = http.Get(srv.URL + "/explore/item?offset=9")
	if err != nil {
		t.Fatalf("GET /explore/item failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("offset past the feed: status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready failed: %v", err)
	}
	var ready ReadyResponse
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		t.Fatalf("decode ready failed: %v", err)
	}
	resp.Body.Close()
	if !ready.Ready || ready.Database != "up" {
		t.Errorf("ready = %+v", ready)
	}
	if ready.Cache != "unavailable" {
		t.Errorf("cache = %q, want unavailable without redis", ready.Cache)
	}
}

func TestPresets(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/config/presets")
	if err != nil {
		t.Fatalf("GET /config/presets failed: %v", err)
	}
	defer resp.Body.Close()
	var presets PresetsResp
	if err := json.NewDecoder(resp.Body).Decode(&presets); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(presets.TTLPresets) != 3 || presets.MaxPasteSize != 64*1024 {
		t.Errorf("presets = %+v", presets)
	}
}

func TestSanitizeText(t *testing.T) {
	got := sanitizeText("keep\nthis\tbut\x00not\x07that")
	if got != "keep\nthis\tbutnotthat" {
		t.Errorf("sanitizeText = %q", got)
	}
	// HTML is stored verbatim; escaping is the renderer's concern.
	if sanitizeText("<b>bold</b>") != "<b>bold</b>" {
		t.Error("markup must pass through unescaped")
	}
}
