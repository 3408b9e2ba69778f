package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldward/fieldward-core/internal/control"
	"github.com/fieldward/fieldward-core/internal/device"
	"github.com/fieldward/fieldward-core/internal/infrastructure/config"
	"github.com/fieldward/fieldward-core/internal/infrastructure/logging"
	"github.com/fieldward/fieldward-core/internal/smschannel"
)

const testSchema = `
	CREATE TABLE devices (
		id TEXT PRIMARY KEY,
		owner_id TEXT,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		parent_id TEXT,
		status TEXT NOT NULL DEFAULT 'idle',
		secret TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		last_telemetry TEXT NOT NULL DEFAULT '{}',
		current_run_start TEXT,
		target_turn_off_at TEXT,
		total_runtime_minutes REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE commands (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL REFERENCES devices(id),
		user_id TEXT,
		action TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		source TEXT NOT NULL,
		transport_used TEXT,
		created_at TEXT NOT NULL,
		executed_at TEXT
	);
`

// testServer wires a full API server over an in-memory database.
type testServer struct {
	handler http.Handler
	token   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := buildTestServer(t, config.SecurityConfig{
		JWT:   config.JWTConfig{Secret: "test-jwt-secret", AccessTokenTTL: 15},
		Admin: config.AdminConfig{Username: "admin", Password: "test-operator-pw"},
	})
	ts.token = ts.login(t)
	return ts
}

// buildTestServer wires the server without logging in, so tests can
// exercise login behaviour under different security configurations.
func buildTestServer(t *testing.T, secCfg config.SecurityConfig) *testServer {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(testSchema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	deviceRepo := device.NewSQLiteRepository(db)
	registry := device.NewRegistry(deviceRepo, time.Minute)
	commandRepo := control.NewSQLiteRepository(db)
	pipeline := control.NewPipeline(db, deviceRepo, commandRepo)
	pipeline.SetCache(registry)

	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")

	server, err := New(Deps{
		Config:   config.APIConfig{Host: "127.0.0.1", Port: 0},
		Security: secCfg,
		Logger:   logger,
		Registry: registry,
		Pipeline: pipeline,
		Commands: commandRepo,
		SMS:      smschannel.NewHandler(registry, pipeline, 0),
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testServer{handler: server.buildRouter()}
}

// login obtains an access token through the real login endpoint.
func (ts *testServer) login(t *testing.T) string {
	t.Helper()

	rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]any{"username": "admin", "password": "test-operator-pw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	return resp.AccessToken
}

// do performs a JSON request against the router.
func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

// createDevice registers a device and returns its id and secret.
func (ts *testServer) createDevice(t *testing.T, body map[string]any) (id, secret string) {
	t.Helper()

	rec := ts.do(t, http.MethodPost, "/api/v1/devices", ts.token, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create device status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Device device.Device `json:"device"`
		Secret string        `json:"secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding create response: %v", err)
	}
	return resp.Device.ID, resp.Secret
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding health response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(t, http.MethodGet, "/api/v1/devices", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated list status = %d, want 401", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/v1/devices", "not-a-jwt", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token list status = %d, want 401", rec.Code)
	}
}

func TestDeviceCRUD(t *testing.T) {
	ts := newTestServer(t)

	id, secret := ts.createDevice(t, map[string]any{
		"name": "Bore Pump", "type": "pump",
	})
	if secret == "" {
		t.Fatal("create response missing secret")
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/devices/"+id, ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get device status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), secret) {
		t.Error("device read leaked the secret")
	}

	rec = ts.do(t, http.MethodPatch, "/api/v1/devices/"+id, ts.token,
		map[string]any{"name": "Main Bore Pump"})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch device status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var patched device.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &patched); err != nil {
		t.Fatalf("decoding patched device: %v", err)
	}
	if patched.Name != "Main Bore Pump" {
		t.Errorf("patched name = %q, want Main Bore Pump", patched.Name)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/devices", ts.token, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), id) {
		t.Errorf("list devices status = %d, want device %s present", rec.Code, id)
	}

	if rec := ts.do(t, http.MethodDelete, "/api/v1/devices/"+id, ts.token, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete device status = %d, want 204", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/v1/devices/"+id, ts.token, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get deleted device status = %d, want 404", rec.Code)
	}
}

func TestRotateSecret(t *testing.T) {
	ts := newTestServer(t)
	id, original := ts.createDevice(t, map[string]any{"name": "North Valve", "type": "valve"})

	rec := ts.do(t, http.MethodPost, "/api/v1/devices/"+id+"/rotate-secret", ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding rotate response: %v", err)
	}
	if resp.Secret == "" || resp.Secret == original {
		t.Errorf("rotated secret = %q, want new non-empty value", resp.Secret)
	}
}

func TestSubmitCommandLifecycle(t *testing.T) {
	ts := newTestServer(t)

	pumpID, _ := ts.createDevice(t, map[string]any{"name": "Bore Pump", "type": "pump"})
	valveID, _ := ts.createDevice(t, map[string]any{
		"name": "North Valve", "type": "valve", "parent_id": pumpID,
	})

	// Pump start is blocked while its only valve is closed.
	rec := ts.do(t, http.MethodPost, "/api/v1/devices/"+pumpID+"/commands", ts.token,
		map[string]any{"action": "START"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("blocked start status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), ErrCodeSafetyBlocked) {
		t.Errorf("blocked start body = %s, want safety_blocked code", rec.Body.String())
	}

	// Open the valve, then the pump starts.
	rec = ts.do(t, http.MethodPost, "/api/v1/devices/"+valveID+"/commands", ts.token,
		map[string]any{"action": "OPEN"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("open valve status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var cmd control.Command
	if err := json.Unmarshal(rec.Body.Bytes(), &cmd); err != nil {
		t.Fatalf("decoding command: %v", err)
	}
	if cmd.Status != control.StatusExecuted {
		t.Errorf("open valve command status = %q, want executed", cmd.Status)
	}
	if cmd.UserID == nil || *cmd.UserID != "admin" {
		t.Errorf("command user = %v, want admin from token", cmd.UserID)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/devices/"+pumpID+"/commands", ts.token,
		map[string]any{"action": "START"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start pump status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// History shows the executed command.
	rec = ts.do(t, http.MethodGet, "/api/v1/devices/"+valveID+"/commands", ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list commands status = %d", rec.Code)
	}
	var list struct {
		Commands []control.Command `json:"commands"`
		Count    int               `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding command list: %v", err)
	}
	if list.Count != 1 || list.Commands[0].Action != "OPEN" {
		t.Errorf("command list = %+v, want single OPEN command", list)
	}
}

func TestSubmitCommandValidation(t *testing.T) {
	ts := newTestServer(t)
	id, _ := ts.createDevice(t, map[string]any{"name": "Soil Probe", "type": "sensor"})

	rec := ts.do(t, http.MethodPost, "/api/v1/devices/"+id+"/commands", ts.token,
		map[string]any{"payload": map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing action status = %d, want 400", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/devices/"+id+"/commands", ts.token,
		map[string]any{"action": "OPEN", "source": "sms_offline"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("spoofed offline source status = %d, want 400", rec.Code)
	}
}

func TestSMSWebhook(t *testing.T) {
	ts := newTestServer(t)
	valveID, secret := ts.createDevice(t, map[string]any{"name": "North Valve", "type": "valve"})

	signed := "AGRI OPEN V1 F" + valveID + " 1700000000"
	message := signed + " " + smschannel.ComputeSignature(secret, signed)

	form := url.Values{}
	form.Set("From", "+61400000001")
	form.Set("Body", message)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/sms",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Body.String(), "OK:") {
		t.Errorf("webhook reply = %q, want acceptance", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("webhook content type = %q, want text/plain", ct)
	}

	// Tampered signature is rejected but still answered 200 with a reply.
	form.Set("Body", signed+" 00000")
	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/sms",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Authentication failed") {
		t.Errorf("tampered webhook = %d %q, want 200 with rejection reply", rec.Code, rec.Body.String())
	}
}

func TestOwnershipEnforced(t *testing.T) {
	ts := newTestServer(t)
	id, _ := ts.createDevice(t, map[string]any{
		"name": "Bore Pump", "type": "pump", "owner_id": "farmer-2",
	})

	// A non-admin token for a different user is rejected.
	otherToken := signTestToken(t, "farmer-1", "user")
	if rec := ts.do(t, http.MethodGet, "/api/v1/devices/"+id, otherToken, nil); rec.Code != http.StatusForbidden {
		t.Errorf("foreign device access status = %d, want 403", rec.Code)
	}

	// The owner can read it.
	ownerToken := signTestToken(t, "farmer-2", "user")
	if rec := ts.do(t, http.MethodGet, "/api/v1/devices/"+id, ownerToken, nil); rec.Code != http.StatusOK {
		t.Errorf("owner access status = %d, want 200", rec.Code)
	}
}

// signTestToken builds a token with the suite's JWT secret.
func signTestToken(t *testing.T, sub, role string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte("test-jwt-secret"))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}

func TestUpdateDeviceKeepsOperationalState(t *testing.T) {
	ts := newTestServer(t)

	id, _ := ts.createDevice(t, map[string]any{
		"name": "North Valve", "type": "valve",
	})

	rec := ts.do(t, http.MethodPost, "/api/v1/devices/"+id+"/commands", ts.token,
		map[string]any{"action": "OPEN"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("open valve status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPatch, "/api/v1/devices/"+id, ts.token,
		map[string]any{"name": "Renamed Valve"})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/devices/"+id, ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get device status = %d", rec.Code)
	}
	var got device.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding device: %v", err)
	}
	if got.Name != "Renamed Valve" {
		t.Errorf("Name = %q, want Renamed Valve", got.Name)
	}
	if got.Status != device.StatusActive {
		t.Errorf("Status = %q, want active (rename must not revert the committed open)", got.Status)
	}
	if got.CurrentRunStart == nil {
		t.Error("CurrentRunStart cleared by rename")
	}
}

func TestLoginValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "admin", "wrong"},
		{"wrong username", "operator", "test-operator-pw"},
		{"empty password", "admin", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", "",
				map[string]any{"username": tt.username, "password": tt.password})
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("login status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestLoginDisabledWithoutConfiguredPassword(t *testing.T) {
	ts := buildTestServer(t, config.SecurityConfig{
		JWT:   config.JWTConfig{Secret: "test-jwt-secret", AccessTokenTTL: 15},
		Admin: config.AdminConfig{Username: "admin"},
	})

	rec := ts.do(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]any{"username": "admin", "password": "admin"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("login status = %d, want 401 when no operator password is configured", rec.Code)
	}
}
