package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/shellbridge/internal/bridge"
	"github.com/gluk-w/shellbridge/internal/crypto"
	"github.com/gluk-w/shellbridge/internal/database"
	"github.com/gluk-w/shellbridge/internal/middleware"
	"github.com/gluk-w/shellbridge/internal/protocol"
	"github.com/gluk-w/shellbridge/internal/sessionstore"
	"github.com/gluk-w/shellbridge/internal/sshaudit"
	"github.com/gluk-w/shellbridge/internal/sshtest"
)

type testEnv struct {
	srv    *sshtest.Server
	store  *sessionstore.Store
	http   *httptest.Server
	wsURL  string
	target protocol.Message
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	prevDB := database.DB
	database.DB = db
	auditor, err := sshaudit.NewAuditor(db, 0)
	if err != nil {
		t.Fatalf("NewAuditor: %v", err)
	}

	store := sessionstore.New(sessionstore.Options{
		TTL:     time.Minute,
		OnEvict: bridge.AuditEvictions(auditor),
	})
	sealer, _ := crypto.NewSealer()
	mgr, err := bridge.NewManager(bridge.Options{
		Store:            store,
		Sealer:           sealer,
		Auditor:          auditor,
		RequirePrincipal: true,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	Bridge = mgr
	Auditor = auditor

	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken("tok"))
		r.Use(middleware.Principal)
		r.Get("/api/v1/bridge", BridgeWS)
		r.Get("/api/v1/sessions", ListSessions)
		r.Delete("/api/v1/sessions/{id}", CloseSession)
		r.Get("/api/v1/audit", GetAuditLogs)
	})
	hs := httptest.NewServer(r)

	srv := sshtest.Start(t, sshtest.Options{})
	env := &testEnv{
		srv:   srv,
		store: store,
		http:  hs,
		wsURL: "ws" + strings.TrimPrefix(hs.URL, "http") + "/api/v1/bridge?token=tok",
		target: protocol.Message{
			Type:     protocol.TypeConnect,
			Host:     srv.Host,
			Port:     srv.Port,
			Username: sshtest.User,
			Secret:   sshtest.Password,
			Cols:     80,
			Rows:     24,
		},
	}
	t.Cleanup(func() {
		hs.Close()
		store.CloseAll()
		Bridge = nil
		Auditor = nil
		database.DB = prevDB
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})
	return env
}

func (e *testEnv) dial(t *testing.T, principal string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hdr := http.Header{}
	if principal != "" {
		hdr.Set(middleware.PrincipalHeader, principal)
	}
	conn, _, err := websocket.Dial(ctx, e.wsURL, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendData(t *testing.T, conn *websocket.Conn, p string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte(p)); err != nil {
		t.Fatalf("write data: %v", err)
	}
}

// readUntil reads frames until a control message of type typ arrives. Binary
// frames seen on the way are returned as well.
func readUntil(t *testing.T, conn *websocket.Conn, typ protocol.Type) (protocol.Message, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var data strings.Builder
	for {
		mt, payload, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %s: %v", typ, err)
		}
		if mt == websocket.MessageBinary {
			data.Write(payload)
			continue
		}
		msg, err := protocol.Decode(payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Type == typ {
			return msg, data.String()
		}
	}
}

func readOutput(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var data strings.Builder
	for !strings.Contains(data.String(), want) {
		mt, payload, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for output %q (have %q): %v", want, data.String(), err)
		}
		if mt == websocket.MessageBinary {
			data.Write(payload)
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestBridgeWS_ConnectEchoDisconnect(t *testing.T) {
	env := setupEnv(t)
	conn := env.dial(t, "alice")

	send(t, conn, env.target)
	ready, _ := readUntil(t, conn, protocol.TypeReady)
	if ready.SessionID == "" {
		t.Fatal("ready without session id")
	}

	sendData(t, conn, "echo hi\n")
	readOutput(t, conn, "echo hi\n")

	send(t, conn, protocol.Message{Type: protocol.TypeDisconnect})
	closed, _ := readUntil(t, conn, protocol.TypeClosed)
	if closed.SessionID != ready.SessionID {
		t.Errorf("closed for %q, want %q", closed.SessionID, ready.SessionID)
	}
	if env.store.Len() != 0 {
		t.Error("session survived disconnect")
	}
}

func TestBridgeWS_ConnectError(t *testing.T) {
	env := setupEnv(t)
	conn := env.dial(t, "")

	bad := env.target
	bad.Port = 70000
	send(t, conn, bad)
	msg, _ := readUntil(t, conn, protocol.TypeConnectError)
	if !strings.Contains(msg.Message, "port") {
		t.Errorf("connect_error = %q", msg.Message)
	}
	if env.srv.Accepts() != 0 {
		t.Error("invalid port was dialed")
	}
}

func TestBridgeWS_RestoreAcrossSockets(t *testing.T) {
	env := setupEnv(t)
	first := env.dial(t, "alice")
	send(t, first, env.target)
	ready, _ := readUntil(t, first, protocol.TypeReady)
	sendData(t, first, "before drop\n")
	readOutput(t, first, "before drop\n")

	first.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool {
		rec, ok := env.store.Get(ready.SessionID)
		return ok && rec.OwnerID() == ""
	}, "detach after socket close")

	second := env.dial(t, "alice")
	send(t, second, protocol.Message{
		Type:      protocol.TypeRestore,
		SessionID: ready.SessionID,
		Snapshot:  &protocol.Snapshot{Cwd: "/var/www"},
	})
	restored, _ := readUntil(t, second, protocol.TypeRestored)
	if restored.Snapshot == nil || restored.Snapshot.Cwd != "/var/www" {
		t.Errorf("restored snapshot = %+v", restored.Snapshot)
	}
	hist, _ := readUntil(t, second, protocol.TypeHistory)
	if string(hist.Content) != "before drop\n" {
		t.Errorf("history = %q", hist.Content)
	}

	sendData(t, second, "after\n")
	readOutput(t, second, "after\n")
}

func TestBridgeWS_RestoreOtherPrincipalFails(t *testing.T) {
	env := setupEnv(t)
	first := env.dial(t, "alice")
	send(t, first, env.target)
	ready, _ := readUntil(t, first, protocol.TypeReady)

	other := env.dial(t, "mallory")
	send(t, other, protocol.Message{Type: protocol.TypeRestore, SessionID: ready.SessionID})
	failed, _ := readUntil(t, other, protocol.TypeRestoreFailed)
	if failed.Reason == "" {
		t.Error("restore_failed without reason")
	}
}

func TestBridgeWS_ProtocolMisuse(t *testing.T) {
	env := setupEnv(t)
	conn := env.dial(t, "")

	sendData(t, conn, "ls\n")
	if msg, _ := readUntil(t, conn, protocol.TypeError); msg.Message == "" {
		t.Error("expected error for data before connect")
	}

	send(t, conn, protocol.Message{Type: "teleport"})
	if msg, _ := readUntil(t, conn, protocol.TypeError); !strings.Contains(msg.Message, "teleport") {
		t.Errorf("unexpected error %q", msg.Message)
	}

	send(t, conn, protocol.Message{Type: protocol.TypeList, ReqID: "r1", Path: "/"})
	if msg, _ := readUntil(t, conn, protocol.TypeChannelError); msg.ReqID != "r1" {
		t.Errorf("channel_error req_id = %q", msg.ReqID)
	}

	// The socket stays usable after misuse.
	send(t, conn, env.target)
	readUntil(t, conn, protocol.TypeReady)
}

func TestBridgeWS_RequiresToken(t *testing.T) {
	env := setupEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := strings.TrimSuffix(env.wsURL, "?token=tok")
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %+v", resp)
	}
}

func TestSessionsREST(t *testing.T) {
	env := setupEnv(t)
	conn := env.dial(t, "alice")
	send(t, conn, env.target)
	ready, _ := readUntil(t, conn, protocol.TypeReady)

	req, _ := http.NewRequest("GET", env.http.URL+"/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	var body struct {
		Sessions []bridge.SessionInfo `json:"sessions"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if len(body.Sessions) != 1 || body.Sessions[0].ID != ready.SessionID || !body.Sessions[0].Attached {
		t.Fatalf("unexpected sessions %+v", body.Sessions)
	}
	if strings.Contains(body.Sessions[0].Secret, sshtest.Password) {
		t.Error("secret leaked in listing")
	}

	del, _ := http.NewRequest("DELETE", env.http.URL+"/api/v1/sessions/"+ready.SessionID, nil)
	del.Header.Set("Authorization", "Bearer tok")
	resp, err = http.DefaultClient.Do(del)
	if err != nil {
		t.Fatalf("DELETE session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d", resp.StatusCode)
	}
	readUntil(t, conn, protocol.TypeClosed)

	resp, _ = http.DefaultClient.Do(del)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthCheck(t *testing.T) {
	env := setupEnv(t)
	resp, err := http.Get(env.http.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "healthy" || body["database"] != "connected" {
		t.Errorf("unexpected health %v", body)
	}
}

func TestGetAuditLogs(t *testing.T) {
	env := setupEnv(t)
	conn := env.dial(t, "alice")
	send(t, conn, env.target)
	ready, _ := readUntil(t, conn, protocol.TypeReady)
	send(t, conn, protocol.Message{Type: protocol.TypeDisconnect})
	readUntil(t, conn, protocol.TypeClosed)
	waitFor(t, func() bool {
		res, err := Auditor.Query(sshaudit.QueryOptions{SessionID: ready.SessionID, EventType: sshaudit.EventSessionClosed})
		return err == nil && res.Total == 1
	}, "closed event recorded")

	get := func(query string) (*http.Response, sshaudit.QueryResult) {
		req := httptest.NewRequest("GET", "/api/v1/audit"+query, nil)
		w := httptest.NewRecorder()
		GetAuditLogs(w, req)
		var result sshaudit.QueryResult
		json.NewDecoder(w.Body).Decode(&result)
		return w.Result(), result
	}

	resp, result := get("?session_id=" + ready.SessionID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	events := map[string]bool{}
	for _, e := range result.Entries {
		events[e.EventType] = true
	}
	if !events[sshaudit.EventSessionCreated] || !events[sshaudit.EventSessionClosed] {
		t.Errorf("expected created and closed events, got %v", events)
	}

	if resp, _ := get("?since=yesterday"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since status = %d", resp.StatusCode)
	}
	if resp, _ := get("?limit=-1"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", resp.StatusCode)
	}
}
