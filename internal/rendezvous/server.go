// Package rendezvous implements the signaling server that pairs a sender with
// its receivers. Peers join a session over a websocket and the server relays
// protocol envelopes between them; file bytes never pass through it.
package rendezvous

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xSeung/MultiThread-FileTransferr/internal/logging"
	"github.com/xSeung/MultiThread-FileTransferr/internal/peers"
	"github.com/xSeung/MultiThread-FileTransferr/internal/session"
	"github.com/xSeung/MultiThread-FileTransferr/pkg/protocol"
)

const defaultMaxMessageBytes = 64 * 1024

// Options configures a Server. Zero values disable the matching limit.
type Options struct {
	SessionTTL           time.Duration
	MaxSessions          int
	MaxReceivers         int // per session
	MaxMessageBytes      int // default 64KiB
	SessionCreatesPerMin int // per client IP
	MsgsPerSec           float64
	MsgsBurst            int
	IdleTimeout          time.Duration
	Logger               *slog.Logger
}

// Server serves /health, /session and /ws.
type Server struct {
	opts     Options
	logger   *slog.Logger
	store    *session.Store
	hub      *peers.Hub
	expiry   *expiryManager
	limiter  *ipLimiter
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New builds a Server with an empty session store.
func New(opts Options) *Server {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		opts:    opts,
		logger:  logger,
		store:   session.NewStore(opts.SessionTTL),
		hub:     peers.NewHub(),
		expiry:  newExpiryManager(),
		limiter: newIPLimiter(float64(opts.SessionCreatesPerMin)/60.0, max(1, opts.SessionCreatesPerMin/6)),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/session", s.handleCreateSession)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close stops pending session expiry timers.
func (s *Server) Close() {
	s.expiry.stopAll()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "sessions": s.store.Count()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow(clientIP(r)) {
		sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if s.opts.MaxSessions > 0 && s.store.Count() >= s.opts.MaxSessions && s.store.CleanupExpired(time.Now()) == 0 {
		sendError(w, http.StatusTooManyRequests, "session limit reached")
		return
	}

	sess := s.store.Create()
	if !sess.ExpiresAt.IsZero() {
		s.expiry.schedule(sess.ID, time.Until(sess.ExpiresAt), func() {
			s.store.Delete(sess.ID)
			s.hub.CloseSession(sess.ID)
			s.logger.Info("session expired", "session_id", sess.ID, "join_code", sess.JoinCode)
		})
	}

	resp := protocol.CreateSessionResponse{SessionID: sess.ID, JoinCode: sess.JoinCode}
	if !sess.ExpiresAt.IsZero() {
		resp.ExpiresAt = sess.ExpiresAt.Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
	s.logger.Info("session created", "session_id", sess.ID, "join_code", sess.JoinCode)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	joinCode, peerID, role := q.Get("join_code"), q.Get("peer_id"), q.Get("role")

	if joinCode == "" {
		sendError(w, http.StatusBadRequest, "missing join_code")
		return
	}
	sess, found := s.store.GetByJoinCode(joinCode)
	if !found {
		sendError(w, http.StatusNotFound, "invalid or expired join_code")
		return
	}
	if peerID == "" {
		sendError(w, http.StatusBadRequest, "missing peer_id")
		return
	}
	if !protocol.ValidRole(role) {
		sendError(w, http.StatusBadRequest, "role must be 'sender' or 'receiver'")
		return
	}
	if role == protocol.RoleReceiver && s.opts.MaxReceivers > 0 &&
		s.hub.CountRole(sess.ID, protocol.RoleReceiver) >= s.opts.MaxReceivers {
		sendError(w, http.StatusTooManyRequests, "receiver limit reached")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(int64(s.opts.MaxMessageBytes))

	var writeMu sync.Mutex
	if s.opts.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		})
		conn.SetPingHandler(func(appData string) error {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
			writeMu.Unlock()
			return err
		})
	}

	send := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(env)
	}

	peer := peers.Peer{PeerID: peerID, Role: role, ConnID: protocol.NewMsgID()}
	removePeer := s.hub.Add(sess.ID, peer, send, func() { _ = conn.Close() })

	log := s.logger.With("session_id", sess.ID, "peer_id", peerID)
	log.Info("peer connected", "role", role, "conn_id", peer.ConnID)

	defer func() {
		if !removePeer() {
			// Replaced by a newer connection for the same peer, or the session expired
			log.Info("peer connection dropped")
			return
		}
		if leftEnv, err := protocol.NewServerEnvelope(sess.ID, "", protocol.TypePeerLeft, protocol.PeerLeft{PeerID: peerID}); err == nil {
			s.hub.Broadcast(sess.ID, leftEnv)
		}
		log.Info("peer disconnected")
		if role == protocol.RoleSender {
			s.expiry.cancel(sess.ID)
			s.store.Delete(sess.ID)
			log.Info("session deleted", "join_code", sess.JoinCode)
		}
	}()

	// Current peer list to the newcomer, then announce it to everyone else
	listEnv, err := protocol.NewServerEnvelope(sess.ID, peerID, protocol.TypePeerList, protocol.PeerList{Peers: s.hub.List(sess.ID)})
	if err != nil {
		log.Error("failed to create peer list envelope", "error", err)
		return
	}
	if err := send(listEnv); err != nil {
		log.Error("failed to send peer list", "error", err)
		return
	}
	joinedEnv, err := protocol.NewServerEnvelope(sess.ID, "", protocol.TypePeerJoined, protocol.PeerJoined{
		Peer: protocol.PeerInfo{PeerID: peerID, Role: role},
	})
	if err != nil {
		log.Error("failed to create peer joined envelope", "error", err)
		return
	}
	s.hub.BroadcastExcept(sess.ID, peerID, joinedEnv)

	s.readLoop(conn, sess.ID, peerID, send, log)
}

func (s *Server) readLoop(conn *websocket.Conn, sessionID, peerID string, send func(protocol.Envelope) error, log *slog.Logger) {
	msgLimiter := newTokenBucket(s.opts.MsgsPerSec, s.opts.MsgsBurst)
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				log.Info("websocket idle timeout")
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", "error", err)
			}
			return
		}
		if s.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if s.opts.MsgsPerSec > 0 && !msgLimiter.Allow() {
			log.Warn("websocket message rate limit exceeded")
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			log.Warn("invalid envelope", "error", err)
			continue
		}

		// From is always the authenticated peer
		env.From = peerID
		env.SessionID = sessionID

		if env.To == "" {
			s.hub.BroadcastExcept(sessionID, peerID, env)
			continue
		}
		if !s.hub.SendTo(sessionID, env.To, env) {
			errEnv, err := protocol.NewServerEnvelope(sessionID, peerID, protocol.TypeError, protocol.Error{
				Code:    protocol.CodePeerNotFound,
				Message: "target peer not found: " + env.To,
			})
			if err == nil {
				_ = send(errEnv)
			}
			log.Warn("peer not found for targeted send", "to", env.To)
		}
	}
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
