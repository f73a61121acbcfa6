package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"vanish/server/internal/cache"
	"vanish/server/internal/clock"
	"vanish/server/internal/conversationsvc"
	"vanish/server/internal/messagesvc"
	"vanish/server/internal/push"
	"vanish/server/internal/queue"
	"vanish/server/internal/store"
)

func newTestServer(t *testing.T) (*Server, *clock.Fixed) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "vanish.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	c := cache.NewMemory()
	q := queue.New(c)

	convSvc := conversationsvc.New(st, c, nil, clk)
	msgSvc := messagesvc.New(st, c, q, nil, clk, nil)
	tokens := push.NewTokens(st, clk)

	srv := New(convSvc, msgSvc, tokens, nil, nil, "https://vanish.example", 1)
	return srv, clk
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, deviceID string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if deviceID != "" {
		req.Header.Set(deviceIDHeader, deviceID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestCreateAndFetchConversation(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodPost, "/api/conversations", "device-a", createConversationRequest{TTLHours: 1})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var conv conversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		t.Fatalf("decode: %v", err)
	}

	getResp := doJSON(t, ts, http.MethodGet, "/api/conversations/"+conv.ID, "", nil)
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}
}

func TestCreateConversationRequiresDeviceHeader(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	resp := doJSON(t, ts, http.MethodPost, "/api/conversations", "", createConversationRequest{TTLHours: 1})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without device header, got %d", resp.StatusCode)
	}
}

func TestJoinConflictReturns409(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	createResp := doJSON(t, ts, http.MethodPost, "/api/conversations", "device-a", createConversationRequest{TTLHours: 1})
	var conv conversationResponse
	_ = json.NewDecoder(createResp.Body).Decode(&conv)
	createResp.Body.Close()

	first := doJSON(t, ts, http.MethodPost, "/api/conversations/"+conv.ID+"/join", "device-b", nil)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first join status = %d", first.StatusCode)
	}

	second := doJSON(t, ts, http.MethodPost, "/api/conversations/"+conv.ID+"/join", "device-c", nil)
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second join status = %d, want 409", second.StatusCode)
	}
}

func TestMessageConsumeThenGone(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	createResp := doJSON(t, ts, http.MethodPost, "/api/conversations", "device-a", createConversationRequest{TTLHours: 1})
	var conv conversationResponse
	_ = json.NewDecoder(createResp.Body).Decode(&conv)
	createResp.Body.Close()

	sendResp := doJSON(t, ts, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", "device-a", sendMessageRequest{
		Ciphertext: "c", Nonce: "n", MessageType: "TEXT",
	})
	var msg messageResponse
	if err := json.NewDecoder(sendResp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	sendResp.Body.Close()
	if sendResp.StatusCode != http.StatusCreated {
		t.Fatalf("create message status = %d", sendResp.StatusCode)
	}

	first := doJSON(t, ts, http.MethodGet, "/api/conversations/"+conv.ID+"/messages/"+msg.ID, "", nil)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first consume status = %d", first.StatusCode)
	}

	second := doJSON(t, ts, http.MethodGet, "/api/conversations/"+conv.ID+"/messages/"+msg.ID, "", nil)
	defer second.Body.Close()
	if second.StatusCode != http.StatusGone {
		t.Fatalf("second consume status = %d, want 410", second.StatusCode)
	}
}
