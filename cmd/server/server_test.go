package main

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nickyhof/EntityDB"
	"github.com/nickyhof/EntityDB/config"
	"github.com/nickyhof/EntityDB/core"
	"github.com/sirupsen/logrus"
)

const noteSchema = `SCHEMA {"x-key":"note","x-version":"1.0","properties":{"id":{"type":"string"},"body":{"type":"string"}},"x-primary-key":["/id"]}`

func openTestInstance(t *testing.T) *EntityDB.Instance {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("Failed to build config: %v", err)
	}
	cfg.Identity = config.Identity{Name: "test", Email: "test@test.com"}
	cfg.Logger = logrus.New()
	cfg.Logger.SetLevel(logrus.WarnLevel)
	instance, err := EntityDB.Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	return instance
}

func setupTestServer(t *testing.T) (*Server, func()) {
	instance := openTestInstance(t)
	identity := core.Identity{Name: "test", Email: "test@test.com"}

	server := NewServer(instance, identity)
	if err := server.Start("127.0.0.1:0"); err != nil { // :0 picks a free port
		t.Fatalf("Failed to start server: %v", err)
	}

	return server, func() {
		server.Stop()
	}
}

// client is one persistent connection.
type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) read() Response {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("Failed to read response: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		c.t.Fatalf("Failed to parse response: %v", err)
	}
	return resp
}

func (c *client) send(line string) Response {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("Failed to send %q: %v", line, err)
	}
	return c.read()
}

func (c *client) mustSend(line string) Response {
	c.t.Helper()
	resp := c.send(line)
	if !resp.Success {
		c.t.Fatalf("%q failed: %s", line, resp.Error)
	}
	return resp
}

func sendQuery(t *testing.T, addr, query string) Response {
	t.Helper()
	c := dial(t, addr)
	return c.send(query)
}

func TestServerStartStop(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	if server.Addr() == "" {
		t.Error("Expected non-empty address")
	}
	if server.TLSEnabled() {
		t.Error("Expected TLS to be disabled")
	}
}

func TestServerStopClosesIdleConnections(t *testing.T) {
	server, _ := setupTestServer(t)
	c := dial(t, server.Addr())

	stopped := make(chan struct{})
	go func() {
		server.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return with an idle connection open")
	}
	c.conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c.reader.ReadString('\n'); err != io.EOF {
		t.Errorf("Expected the connection to be closed, got %v", err)
	}
}

func TestServerRegisterSchemaAndInsert(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	c := dial(t, server.Addr())

	resp := c.mustSend(noteSchema)
	if resp.Type != "schema" {
		t.Errorf("Expected schema type, got: %s", resp.Type)
	}

	resp = c.mustSend("INSERT INTO note (id, body) VALUES ('n1', 'hello')")
	if resp.Type != "commit" {
		t.Errorf("Expected commit type, got: %s", resp.Type)
	}
	var cr CommitResponse
	if err := json.Unmarshal(resp.Result, &cr); err != nil {
		t.Fatalf("Failed to parse commit result: %v", err)
	}
	if cr.RecordsWritten != 1 {
		t.Errorf("Expected 1 entity written, got: %d", cr.RecordsWritten)
	}
	if cr.Transaction == "" {
		t.Error("Expected a transaction id")
	}
}

func TestServerSelect(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	c := dial(t, server.Addr())

	c.mustSend(noteSchema)
	c.mustSend("INSERT INTO note (id, body) VALUES ('n1', 'one'), ('n2', 'two')")

	resp := sendQuery(t, server.Addr(), "SELECT id, body FROM note ORDER BY id")
	if !resp.Success {
		t.Fatalf("Failed to select: %s", resp.Error)
	}
	if resp.Type != "query" {
		t.Errorf("Expected query type, got: %s", resp.Type)
	}

	var qr QueryResponse
	if err := json.Unmarshal(resp.Result, &qr); err != nil {
		t.Fatalf("Failed to parse query result: %v", err)
	}
	if len(qr.Data) != 2 || qr.Data[1][1] != "two" {
		t.Errorf("Expected 2 rows, got: %v", qr.Data)
	}
	if qr.RecordsRead != 2 {
		t.Errorf("Expected 2 records read, got: %d", qr.RecordsRead)
	}
}

func TestServerError(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	resp := sendQuery(t, server.Addr(), "SELECT * FROM nonexistent")
	if resp.Success {
		t.Error("Expected failure for non-existent table")
	}
	if resp.Error == "" {
		t.Error("Expected error message")
	}
}

func TestServerSyntaxError(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	resp := sendQuery(t, server.Addr(), "SELEKT * FROM note")
	if resp.Success {
		t.Error("Expected failure for syntax error")
	}
	if resp.Error == "" {
		t.Error("Expected error message")
	}
}

func TestServerVersionsPerConnection(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	writer := dial(t, server.Addr())

	writer.mustSend(noteSchema)
	writer.mustSend("INSERT INTO note (id, body) VALUES ('n1', 'main body')")

	resp := writer.mustSend("BRANCH draft")
	var version VersionResponse
	if err := json.Unmarshal(resp.Result, &version); err != nil {
		t.Fatalf("Failed to parse version: %v", err)
	}
	if version.Name != "draft" || version.InheritsFrom != core.MainVersionID {
		t.Errorf("Unexpected version: %+v", version)
	}

	writer.mustSend("USE draft")
	writer.mustSend("UPDATE note SET body = 'draft body' WHERE id = 'n1'")

	reader := dial(t, server.Addr())
	var qr QueryResponse
	json.Unmarshal(reader.mustSend("SELECT body FROM note").Result, &qr)
	if len(qr.Data) != 1 || qr.Data[0][0] != "main body" {
		t.Errorf("Expected a new connection to read main, got %v", qr.Data)
	}

	json.Unmarshal(writer.mustSend("SELECT body FROM note").Result, &qr)
	if len(qr.Data) != 1 || qr.Data[0][0] != "draft body" {
		t.Errorf("Expected the draft connection to read its edit, got %v", qr.Data)
	}

	if resp := reader.send("USE nowhere"); resp.Success {
		t.Error("Expected USE of an unknown version to fail")
	}
}

func TestServerCheckpoint(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	c := dial(t, server.Addr())

	c.mustSend(noteSchema)
	c.mustSend("INSERT INTO note (id, body) VALUES ('n1', 'hello')")

	var result CheckpointResponse
	json.Unmarshal(c.mustSend("CHECKPOINT").Result, &result)
	if !result.Created || result.VersionID != core.MainVersionID || result.CommitID == "" {
		t.Errorf("Unexpected checkpoint: %+v", result)
	}

	json.Unmarshal(c.mustSend("CHECKPOINT main").Result, &result)
	if result.Created {
		t.Error("Expected an empty checkpoint to be a no-op")
	}
}

func TestServerSubscribe(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	watcher := dial(t, server.Addr())
	if resp := watcher.mustSend("SUBSCRIBE"); resp.Type != "subscribe" {
		t.Fatalf("Expected subscribe type, got: %s", resp.Type)
	}

	writer := dial(t, server.Addr())
	writer.mustSend(noteSchema)
	writer.mustSend("INSERT INTO note (id, body) VALUES ('n1', 'watched')")

	for i := 0; i < 10; i++ {
		resp := watcher.read()
		if resp.Type != "event" {
			t.Fatalf("Expected event type, got: %s", resp.Type)
		}
		var event EventResponse
		if err := json.Unmarshal(resp.Result, &event); err != nil {
			t.Fatalf("Failed to parse event: %v", err)
		}
		for _, change := range event.Changes {
			if change.SchemaKey == "note" && change.EntityID == "n1" {
				if event.VersionID != core.MainVersionID {
					t.Errorf("Expected the note change in main, got %s", event.VersionID)
				}
				if !strings.Contains(string(change.Snapshot), "watched") {
					t.Errorf("Expected the snapshot in the event, got %s", change.Snapshot)
				}
				return
			}
		}
	}
	t.Fatal("No event carried the inserted note")
}

func TestServerMetrics(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()
	c := dial(t, server.Addr())
	c.mustSend(noteSchema)
	c.mustSend("INSERT INTO note (id, body) VALUES ('n1', 'hello')")

	recorder := httptest.NewRecorder()
	server.MetricsHandler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body := recorder.Body.String()
	for _, name := range []string{"entitydb_changes_appended_total", "entitydb_rewrites_total", "entitydb_cache_rows"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metric %s in output", name)
		}
	}
}

// === Authentication ===

func setupAuthTestServer(t *testing.T, secret string) (*Server, *EntityDB.Instance, func()) {
	instance := openTestInstance(t)
	server := NewServerWithAuth(instance, &AuthConfig{
		Enabled:   true,
		JWTSecret: secret,
	})
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	return server, instance, func() {
		server.Stop()
	}
}

// createTestJWT creates a signed token carrying name and email claims
func createTestJWT(t *testing.T, secret, name, email string, claims jwt.MapClaims) string {
	t.Helper()
	all := jwt.MapClaims{
		"name":  name,
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	for key, value := range claims {
		all[key] = value
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, all).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to create test JWT: %v", err)
	}
	return tokenString
}

func TestAuthRequired(t *testing.T) {
	server, _, cleanup := setupAuthTestServer(t, "test-secret")
	defer cleanup()

	resp := sendQuery(t, server.Addr(), "SELECT * FROM state_all")
	if resp.Success {
		t.Error("Expected failure when not authenticated")
	}
	if !strings.Contains(resp.Error, "authentication required") {
		t.Errorf("Expected 'authentication required' error, got: %s", resp.Error)
	}
}

func TestAuthWithValidJWT(t *testing.T) {
	secret := "test-secret"
	server, _, cleanup := setupAuthTestServer(t, secret)
	defer cleanup()
	c := dial(t, server.Addr())

	resp := c.send("AUTH JWT " + createTestJWT(t, secret, "Test User", "test@example.com", nil))
	if !resp.Success {
		t.Fatalf("Auth failed: %s", resp.Error)
	}
	if resp.Type != "auth" {
		t.Errorf("Expected 'auth' type, got: %s", resp.Type)
	}

	var authResp AuthResponse
	if err := json.Unmarshal(resp.Result, &authResp); err != nil {
		t.Fatalf("Failed to parse auth result: %v", err)
	}
	if !authResp.Authenticated {
		t.Error("Expected authenticated to be true")
	}
	if authResp.Identity != "Test User <test@example.com>" {
		t.Errorf("Expected identity 'Test User <test@example.com>', got: %s", authResp.Identity)
	}
	if authResp.ExpiresIn <= 0 {
		t.Errorf("Expected a positive expiry, got %d", authResp.ExpiresIn)
	}

	c.mustSend("SELECT * FROM state_all")
}

func TestAuthWithInvalidJWT(t *testing.T) {
	server, _, cleanup := setupAuthTestServer(t, "test-secret")
	defer cleanup()

	tests := []struct {
		name string
		line string
	}{
		{"wrong secret", "AUTH JWT " + createTestJWT(t, "wrong-secret", "Test User", "test@example.com", nil)},
		{"expired", "AUTH JWT " + createTestJWT(t, "test-secret", "Test User", "test@example.com", jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})},
		{"no identity", "AUTH JWT " + createTestJWT(t, "test-secret", "", "", nil)},
		{"unsupported type", "AUTH BASIC user:pass"},
		{"missing token", "AUTH JWT"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resp := sendQuery(t, server.Addr(), test.line)
			if resp.Success {
				t.Error("Expected auth to fail")
			}
			if resp.Error == "" {
				t.Error("Expected error message")
			}
		})
	}
}

func TestAuthIssuerAndAudience(t *testing.T) {
	server := NewServerWithAuth(openTestInstance(t), &AuthConfig{
		Enabled:   true,
		JWTSecret: "secret",
		Issuer:    "entitydb-tests",
		Audience:  "entitydb",
	})

	valid := createTestJWT(t, "secret", "A", "a@example.com", jwt.MapClaims{"iss": "entitydb-tests", "aud": "entitydb"})
	if result := server.validateJWT(valid); result.err != nil {
		t.Errorf("Expected valid token, got %v", result.err)
	}

	wrongIssuer := createTestJWT(t, "secret", "A", "a@example.com", jwt.MapClaims{"iss": "other", "aud": "entitydb"})
	if result := server.validateJWT(wrongIssuer); result.err == nil {
		t.Error("Expected issuer mismatch to fail")
	}

	wrongAudience := createTestJWT(t, "secret", "A", "a@example.com", jwt.MapClaims{"iss": "entitydb-tests", "aud": "other"})
	if result := server.validateJWT(wrongAudience); result.err == nil {
		t.Error("Expected audience mismatch to fail")
	}
}

// TestIdentityInCommitsUnauthenticated verifies the server identity authors
// commits when auth is disabled
func TestIdentityInCommitsUnauthenticated(t *testing.T) {
	instance := openTestInstance(t)
	server := NewServer(instance, core.Identity{Name: "Default User", Email: "default@test.com"})
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	c := dial(t, server.Addr())
	c.mustSend(noteSchema)
	c.mustSend("INSERT INTO note (id, body) VALUES ('n1', 'hello')")

	txn := instance.Persistence.LatestTransaction()
	if expected := "Default User <default@test.com>"; txn.Author != expected {
		t.Errorf("Expected commit author '%s', got '%s'", expected, txn.Author)
	}
}

// TestIdentityInCommitsAuthenticated verifies the JWT identity authors
// commits
func TestIdentityInCommitsAuthenticated(t *testing.T) {
	secret := "test-secret-for-identity"
	server, instance, cleanup := setupAuthTestServer(t, secret)
	defer cleanup()

	c := dial(t, server.Addr())
	c.mustSend("AUTH JWT " + createTestJWT(t, secret, "JWT Test User", "jwtuser@example.com", nil))
	c.mustSend(noteSchema)
	c.mustSend("INSERT INTO note (id, body) VALUES ('n1', 'hello')")

	txn := instance.Persistence.LatestTransaction()
	if expected := "JWT Test User <jwtuser@example.com>"; txn.Author != expected {
		t.Errorf("Expected commit author '%s', got '%s'", expected, txn.Author)
	}
}

func TestParseAuthCommand(t *testing.T) {
	authType, token, err := parseAuthCommand("auth jwt abc.def.ghi")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if authType != "JWT" || token != "abc.def.ghi" {
		t.Errorf("Unexpected parse: %s %s", authType, token)
	}

	if _, _, err := parseAuthCommand("SELECT 1"); err == nil {
		t.Error("Expected non-AUTH line to fail")
	}
}

// === TLS ===

func setupTLSTestServer(t *testing.T) (*Server, string, func()) {
	t.Helper()

	tmpDir := t.TempDir()
	certFile := tmpDir + "/cert.pem"
	keyFile := tmpDir + "/key.pem"
	generateTestCertificate(t, certFile, keyFile)

	server := NewServer(openTestInstance(t), core.Identity{Name: "test", Email: "test@test.com"})
	if err := server.StartTLS("127.0.0.1:0", certFile, keyFile); err != nil {
		t.Fatalf("Failed to start TLS server: %v", err)
	}

	return server, certFile, func() {
		server.Stop()
	}
}

// generateTestCertificate creates a self-signed certificate for testing
func generateTestCertificate(t *testing.T, certFile, keyFile string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate private key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "localhost",
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(time.Hour),
		KeyUsage:  x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
		DNSNames:    []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		t.Fatalf("Failed to create cert file: %v", err)
	}
	pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	certOut.Close()

	keyOut, err := os.Create(keyFile)
	if err != nil {
		t.Fatalf("Failed to create key file: %v", err)
	}
	pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	keyOut.Close()
}

func TestTLSServerStartStop(t *testing.T) {
	server, _, cleanup := setupTLSTestServer(t)
	defer cleanup()

	if server.Addr() == "" {
		t.Error("Expected non-empty address")
	}
	if !server.TLSEnabled() {
		t.Error("Expected TLS to be enabled")
	}
}

func tlsQuery(t *testing.T, addr string, config *tls.Config, query string) Response {
	t.Helper()
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", addr, config)
	if err != nil {
		t.Fatalf("Failed to connect with TLS: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(query + "\n")); err != nil {
		t.Fatalf("Failed to send query: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	return resp
}

func TestTLSServerConnection(t *testing.T) {
	server, certFile, cleanup := setupTLSTestServer(t)
	defer cleanup()

	certPool := x509.NewCertPool()
	certData, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatalf("Failed to read cert: %v", err)
	}
	certPool.AppendCertsFromPEM(certData)

	resp := tlsQuery(t, server.Addr(), &tls.Config{RootCAs: certPool, ServerName: "localhost"}, noteSchema)
	if !resp.Success {
		t.Errorf("Query failed: %s", resp.Error)
	}
	if resp.Type != "schema" {
		t.Errorf("Expected schema type, got: %s", resp.Type)
	}
}

func TestTLSServerInvalidCert(t *testing.T) {
	server, _, cleanup := setupTLSTestServer(t)
	defer cleanup()

	// System roots do not include the self-signed certificate
	_, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", server.Addr(), &tls.Config{ServerName: "localhost"})
	if err == nil {
		t.Error("Expected TLS connection to fail with invalid certificate")
	}
}

func TestTLSServerWithInsecureSkipVerify(t *testing.T) {
	server, _, cleanup := setupTLSTestServer(t)
	defer cleanup()

	resp := tlsQuery(t, server.Addr(), &tls.Config{InsecureSkipVerify: true}, "SELECT COUNT(*) FROM state_all")
	if !resp.Success {
		t.Errorf("Query failed: %s", resp.Error)
	}
}
