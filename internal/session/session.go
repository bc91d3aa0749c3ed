// Package session orchestrates a single client connection end to end:
// dialing the upstream, running the handshake relay, then looping over
// commands — classifying queries, scanning for injection, evaluating
// policy, and relaying to (or synthesizing an error instead of reaching)
// the upstream server.
package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sqlwarden/sqlwarden/internal/command"
	"github.com/sqlwarden/sqlwarden/internal/handshake"
	"github.com/sqlwarden/sqlwarden/internal/inject"
	"github.com/sqlwarden/sqlwarden/internal/metrics"
	"github.com/sqlwarden/sqlwarden/internal/policy"
	"github.com/sqlwarden/sqlwarden/internal/sqlclassify"
	"github.com/sqlwarden/sqlwarden/internal/stats"
	"github.com/sqlwarden/sqlwarden/internal/wire"
)

// State is a session lifecycle position.
type State int

const (
	Handshaking State = iota
	Ready
	ProcessingQuery
	Closing
	Closed
)

var nextSessionID atomic.Uint64

// Context is the per-connection record: immutable after the handshake
// completes, thereafter read by policy evaluation, logging, and stats.
type Context struct {
	ID            uint64
	ClientIP      net.IP
	ClientPort    int
	User          string
	Database      string
	ConnectedAt   time.Time
	HandshakeDone bool
}

// Deps bundles the shared, process-wide collaborators every session needs.
type Deps struct {
	Evaluator   *policy.Evaluator
	Detector    *inject.Detector
	Stats       *stats.Collector
	Metrics     *metrics.Collector
	IdleTimeout time.Duration
	UpstreamDSN string // host:port of the real MySQL server
	DialTimeout time.Duration
}

// Engine runs one session's lifecycle to completion.
type Engine struct {
	deps   Deps
	client net.Conn

	mu    sync.Mutex
	state State
	ctx   Context

	closeOnce sync.Once
}

// New constructs an Engine for a freshly accepted client connection.
func New(deps Deps, client net.Conn) *Engine {
	clientIP, clientPort := splitHostPort(client.RemoteAddr())
	return &Engine{
		deps:   deps,
		client: client,
		state:  Handshaking,
		ctx: Context{
			ID:          nextSessionID.Add(1),
			ClientIP:    clientIP,
			ClientPort:  clientPort,
			ConnectedAt: time.Now(),
		},
	}
}

func splitHostPort(addr net.Addr) (net.IP, int) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, 0
	}
	return tcpAddr.IP, tcpAddr.Port
}

// Run dials the upstream, performs the handshake relay, and then loops
// over commands until the connection ends. It always closes the client
// connection before returning, and accounts open/close with Stats.
func (e *Engine) Run(ctx context.Context) error {
	e.deps.Stats.OnConnectionOpen()
	defer e.deps.Stats.OnConnectionClose()
	defer e.Close()

	dialer := net.Dialer{Timeout: e.deps.DialTimeout}
	server, err := dialer.DialContext(ctx, "tcp", e.deps.UpstreamDSN)
	if err != nil {
		slog.Error("session: upstream dial failed", "session_id", e.ctx.ID, "error", err)
		if e.deps.Metrics != nil {
			e.deps.Metrics.ConnectionAccepted("dial-failed")
		}
		return fmt.Errorf("session: dialing upstream: %w", err)
	}
	defer server.Close()

	res, err := handshake.Relay(e.client, server)
	if err != nil {
		slog.Warn("session: handshake failed", "session_id", e.ctx.ID, "error", err)
		if e.deps.Metrics != nil {
			e.deps.Metrics.ConnectionAccepted("handshake-failed")
		}
		return fmt.Errorf("session: handshake: %w", err)
	}

	e.mu.Lock()
	e.ctx.User = res.Username
	e.ctx.Database = res.Database
	e.ctx.HandshakeDone = true
	e.state = Ready
	e.mu.Unlock()

	if e.deps.Metrics != nil {
		e.deps.Metrics.ConnectionAccepted("ok")
	}
	slog.Info("session: handshake complete", "session_id", e.ctx.ID, "user", res.Username, "database", res.Database)

	return e.commandLoop(server)
}

func (e *Engine) commandLoop(server net.Conn) error {
	for {
		if e.deps.IdleTimeout > 0 {
			e.client.SetReadDeadline(time.Now().Add(e.deps.IdleTimeout))
		}

		pkt, err := wire.ReadPacket(e.client)
		if err != nil {
			e.transitionClosing()
			return nil
		}

		cmd, perr := command.Extract(pkt)
		if perr != nil {
			// An unparseable command is blocked: the client gets the generic
			// policy ERR packet and the session stays open.
			slog.Warn("session: malformed command", "session_id", e.ctx.ID, "error", perr)
			errPkt := wire.NewErrPacket(pkt.Seq+1, 1045, wire.DefaultSQLState, "Query blocked by policy")
			if err := wire.WritePacket(e.client, errPkt); err != nil {
				e.transitionClosing()
				return nil
			}
			continue
		}

		if cmd.Type == command.Quit {
			e.transitionClosing()
			return nil
		}

		if !cmd.Type.IsQuery() {
			if err := e.passthrough(pkt, server); err != nil {
				e.transitionClosing()
				return nil
			}
			continue
		}

		e.setState(ProcessingQuery)
		if err := e.handleQuery(pkt, cmd, server); err != nil {
			e.transitionClosing()
			return nil
		}
		e.setState(Ready)
	}
}

// passthrough relays a non-query command and its server response verbatim.
func (e *Engine) passthrough(clientPkt wire.Packet, server net.Conn) error {
	if err := wire.WritePacket(server, clientPkt); err != nil {
		return err
	}
	return e.relayServerResponse(server)
}

// handleQuery classifies, scans, and evaluates a query command, then
// either relays it (and the server's response) or synthesizes a block
// error without ever contacting the server.
func (e *Engine) handleQuery(clientPkt wire.Packet, cmd command.Packet, server net.Conn) error {
	sql := string(cmd.SQL)

	query, perr := sqlclassify.Classify(sql)
	sess := policy.Session{User: e.ctx.User, ClientIP: e.ctx.ClientIP}

	var result policy.Result
	start := time.Now()
	if perr != nil {
		result = e.deps.Evaluator.EvaluateError(perr, sess)
	} else {
		detection := e.deps.Detector.Check(sql)
		if detection.Detected {
			reason := "injection-detected:" + detection.Reason
			if detection.MatchedPattern != "" {
				reason += ":" + detection.MatchedPattern
			}
			result = policy.Result{Action: policy.Block, Reason: reason}
			if e.deps.Detector.FailClosed() && e.deps.Metrics != nil {
				e.deps.Metrics.DetectorFailClose()
			}
		} else {
			result = e.deps.Evaluator.Evaluate(query, sess)
		}
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.PolicyEvalDuration(time.Since(start))
	}

	blocked := result.Action != policy.Allow
	e.deps.Stats.OnQuery(blocked)

	if blocked {
		slog.Info("session: query blocked", "session_id", e.ctx.ID, "user", e.ctx.User, "reason", result.Reason)
		if e.deps.Metrics != nil {
			e.deps.Metrics.QueryBlocked(result.Reason)
		}
		errPkt := wire.NewErrPacket(clientPkt.Seq+1, 1045, wire.DefaultSQLState, "Query blocked by policy")
		return wire.WritePacket(e.client, errPkt)
	}

	slog.Info("session: query allowed", "session_id", e.ctx.ID, "user", e.ctx.User)
	if e.deps.Metrics != nil {
		e.deps.Metrics.QueryAllowed()
	}

	if err := wire.WritePacket(server, clientPkt); err != nil {
		return err
	}
	return e.relayServerResponse(server)
}

// relayServerResponse streams packets from the server to the client until
// a terminal packet (ERR, or OK/EOF with no more-results-follow flag) is
// reached, forwarding intermediate result-set packets unmodified.
func (e *Engine) relayServerResponse(server net.Conn) error {
	const statusMoreResultsExist = 0x0008

	for {
		pkt, err := wire.ReadPacket(server)
		if err != nil {
			return err
		}
		if err := wire.WritePacket(e.client, pkt); err != nil {
			return err
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		switch pkt.Kind() {
		case wire.TypeErr:
			return nil
		case wire.TypeOK, wire.TypeEOF:
			status := packetStatusFlags(pkt.Payload)
			if status&statusMoreResultsExist != 0 {
				continue
			}
			return nil
		default:
			// Result-set column/row packets: keep draining.
		}
	}
}

func packetStatusFlags(payload []byte) uint16 {
	if len(payload) == 0 {
		return 0
	}
	switch payload[0] {
	case wire.MarkerOK:
		pos := 1
		pos = skipLenEnc(payload, pos)
		pos = skipLenEnc(payload, pos)
		if pos+2 <= len(payload) {
			return binary.LittleEndian.Uint16(payload[pos : pos+2])
		}
	case wire.MarkerEOF:
		if len(payload) >= 5 {
			return binary.LittleEndian.Uint16(payload[3:5])
		}
	}
	return 0
}

func skipLenEnc(b []byte, pos int) int {
	if pos >= len(b) {
		return pos
	}
	switch v := b[pos]; {
	case v < 0xfb:
		return pos + 1
	case v == 0xfc:
		return pos + 3
	case v == 0xfd:
		return pos + 4
	case v == 0xfe:
		return pos + 9
	default:
		return pos + 1
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) transitionClosing() {
	e.setState(Closing)
}

// State returns the session's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionContext returns a copy of the session's context record.
func (e *Engine) SessionContext() Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// Close idempotently closes the client connection and marks the session
// Closed. Calling it any number of times is indistinguishable from calling
// it once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.client.Close()
		e.setState(Closed)
	})
}
