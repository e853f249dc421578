package main

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nickyhof/EntityDB"
	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/db"
	"github.com/nickyhof/EntityDB/history"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// eventBuffer bounds the notifications queued for one subscribed
// connection. Further events are dropped until the client catches up.
const eventBuffer = 64

// Server is a TCP server that exposes the EntityDB engine. Each line a
// client sends is a statement or a command; each answer is one JSON line.
type Server struct {
	listener net.Listener
	instance *EntityDB.Instance
	engine   *db.Engine
	identity core.Identity
	auth     *AuthConfig
	logger   *logrus.Logger
	tls      bool

	done    chan struct{}
	wg      sync.WaitGroup
	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// NewServer creates a server whose statements commit under identity.
func NewServer(instance *EntityDB.Instance, identity core.Identity) *Server {
	engine := instance.Engine()
	return &Server{
		instance: instance,
		engine:   engine,
		identity: identity,
		logger:   engine.Logger(),
		done:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
}

// NewServerWithAuth creates a server that requires JWT authentication when
// auth.Enabled is set. Statements commit under the token's identity.
func NewServerWithAuth(instance *EntityDB.Instance, auth *AuthConfig) *Server {
	server := NewServer(instance, instance.Config.CoreIdentity())
	server.auth = auth
	return server
}

// Start begins listening for plain TCP connections.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.serve(listener)
	return nil
}

// StartTLS begins listening for TLS connections.
func (s *Server) StartTLS(addr, certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}
	listener, err := tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.tls = true
	s.serve(listener)
	return nil
}

func (s *Server) serve(listener net.Listener) {
	s.listener = listener
	s.logger.WithFields(logrus.Fields{
		"addr": listener.Addr().String(),
		"tls":  s.tls,
		"auth": s.authRequired(),
	}).Info("Server listening")
	go s.acceptLoop()
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to return.
func (s *Server) Stop() error {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()
	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) TLSEnabled() bool {
	return s.tls
}

func (s *Server) authRequired() bool {
	return s.auth != nil && s.auth.Enabled
}

// MetricsHandler serves the engine metrics in the Prometheus text format.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.engine.Gatherer(), promhttp.HandlerOpts{})
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.WithError(err).Warn("Accept failed")
				continue
			}
		}

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// connectionState is the session of one client.
type connectionState struct {
	conn          net.Conn
	writeMu       sync.Mutex
	identity      core.Identity
	authenticated bool
	tokenExpiry   time.Time
	versionID     string

	unsubscribe func()
	stop        chan struct{}
}

func (state *connectionState) send(resp Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	state.writeMu.Lock()
	defer state.writeMu.Unlock()
	_, err = state.conn.Write(data)
	return err
}

func (state *connectionState) close() {
	if state.unsubscribe != nil {
		state.unsubscribe()
		close(state.stop)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	log := s.logger.WithField("remote", conn.RemoteAddr().String())
	log.Debug("Client connected")

	state := &connectionState{conn: conn, versionID: s.engine.ActiveVersion()}
	defer state.close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				select {
				case <-s.done:
				default:
					log.WithError(err).Warn("Read failed")
				}
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			log.Debug("Client disconnected")
			return
		}

		if err := state.send(s.handleLine(line, state)); err != nil {
			log.WithError(err).Warn("Write failed")
			return
		}
	}
}

// handleLine dispatches one request line. Commands are AUTH, USE, BRANCH,
// CHECKPOINT, SCHEMA and SUBSCRIBE; anything else is a statement.
func (s *Server) handleLine(line string, state *connectionState) Response {
	command, rest, _ := strings.Cut(line, " ")
	command = strings.ToUpper(command)
	rest = strings.TrimSpace(rest)

	if command == "AUTH" {
		return s.handleAuth(line, state)
	}
	if s.authRequired() {
		if !state.authenticated {
			return failure("", ErrAuthRequired)
		}
		if !state.tokenExpiry.IsZero() && time.Now().After(state.tokenExpiry) {
			state.authenticated = false
			return failure("auth", errors.New("token expired"))
		}
	}

	switch command {
	case "USE":
		return s.use(rest, state)
	case "BRANCH":
		return s.branch(rest, state)
	case "CHECKPOINT":
		return s.checkpoint(rest, state)
	case "SCHEMA":
		return s.registerSchema(rest)
	case "SUBSCRIBE":
		return s.subscribe(state)
	default:
		return s.execute(line, state)
	}
}

func (s *Server) commitIdentity(state *connectionState) core.Identity {
	if state.authenticated {
		return state.identity
	}
	return s.identity
}

func (s *Server) execute(query string, state *connectionState) Response {
	result, err := s.engine.ExecuteAs(s.commitIdentity(state), state.versionID, query)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}

	switch r := result.(type) {
	case db.QueryResult:
		return success("query", QueryResponse{
			Columns:     r.Columns,
			Data:        r.Data,
			RecordsRead: r.RecordsRead,
			TimeMs:      r.ExecutionTimeSec * 1000,
		})
	case db.CommitResult:
		return success("commit", CommitResponse{
			RecordsWritten: r.RecordsWritten,
			RecordsDeleted: r.RecordsDeleted,
			CommitIDs:      r.CommitIDs,
			Transaction:    r.Transaction.Id,
			TimeMs:         r.ExecutionTimeSec * 1000,
		})
	default:
		return Response{Success: true, Type: "unknown"}
	}
}

func versionResponse(version core.Version) VersionResponse {
	return VersionResponse{
		ID:            version.ID,
		Name:          version.Name,
		InheritsFrom:  version.InheritsFromVersionID,
		CommitID:      version.CommitID,
		WorkingCommit: version.WorkingCommitID,
	}
}

func (s *Server) use(name string, state *connectionState) Response {
	if name == "" {
		return failure("version", errors.New("usage: USE <version>"))
	}
	version, ok := s.engine.Version(name)
	if !ok {
		return failure("version", core.NotFoundError("use", fmt.Errorf("version %q", name)))
	}
	state.versionID = version.ID
	return success("version", versionResponse(version))
}

func (s *Server) branch(args string, state *connectionState) Response {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return failure("version", errors.New("usage: BRANCH <name> [from]"))
	}
	from := state.versionID
	if len(fields) > 1 {
		from = fields[1]
	}
	version, err := s.engine.CreateVersion(history.VersionOptions{Name: fields[0], From: from})
	if err != nil {
		return failure("version", err)
	}
	return success("version", versionResponse(version))
}

func (s *Server) checkpoint(target string, state *connectionState) Response {
	if target == "" {
		target = state.versionID
	}
	result, err := s.engine.Checkpoint(target)
	if err != nil {
		return failure("checkpoint", err)
	}
	return success("checkpoint", CheckpointResponse{
		VersionID: result.VersionID,
		CommitID:  result.CommitID,
		Created:   result.Created,
	})
}

func (s *Server) registerSchema(definition string) Response {
	var schema core.Schema
	if err := json.Unmarshal([]byte(definition), &schema); err != nil {
		return failure("schema", fmt.Errorf("failed to decode schema: %w", err))
	}
	if err := s.engine.RegisterSchema(schema); err != nil {
		return failure("schema", err)
	}
	return success("schema", map[string]string{"key": schema.Key, "version": schema.Version})
}

// subscribe streams commit notifications to the connection as "event"
// responses.
func (s *Server) subscribe(state *connectionState) Response {
	if state.unsubscribe != nil {
		return success("subscribe", map[string]bool{"subscribed": true})
	}

	events := make(chan db.StateCommitted, eventBuffer)
	stop := make(chan struct{})
	log := s.logger.WithField("remote", state.conn.RemoteAddr().String())

	state.stop = stop
	state.unsubscribe = s.engine.Subscribe(func(event db.StateCommitted) {
		select {
		case events <- event:
		case <-stop:
		default:
			log.WithField("commit_id", event.CommitID).Warn("Dropping event for slow subscriber")
		}
	})

	go func() {
		for {
			select {
			case event := <-events:
				if err := state.send(success("event", EventResponse(event))); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	return success("subscribe", map[string]bool{"subscribed": true})
}
