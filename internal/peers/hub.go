package peers

import (
	"sync"
	"time"

	"github.com/xSeung/MultiThread-FileTransferr/pkg/protocol"
)

// Peer represents a connected peer.
type Peer struct {
	PeerID string
	Role   string
	ConnID string // unique per WebSocket connection
}

// peerConnection holds a peer and its send channel.
type peerConnection struct {
	peer      Peer
	send      chan protocol.Envelope
	done      chan struct{}
	closeConn func()
	closeOnce sync.Once
}

// shutdown stops the writer goroutine. Callers must have removed pc from the
// hub maps first so no sender can still reach the channel.
func (pc *peerConnection) shutdown() {
	pc.closeOnce.Do(func() { close(pc.send) })
}

// Hub manages peers per session in a thread-safe manner.
// Duplicate peer_ids within a session use last-write-wins: the most recent connection replaces any previous one.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*peerConnection // sessionID -> connID -> peerConnection
	byPeerID map[string]map[string]string          // sessionID -> peerID -> connID (for routing by peer_id)
}

// NewHub creates a new peer hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]map[string]*peerConnection),
		byPeerID: make(map[string]map[string]string),
	}
}

// Add adds a peer to a session and returns a remove function. remove reports
// false when the connection had already been replaced or closed with its
// session. send delivers one envelope to the peer's connection; closeConn, if not
// nil, tears that connection down when the hub drops the peer.
func (h *Hub) Add(sessionID string, p Peer, send func(env protocol.Envelope) error, closeConn func()) (remove func() bool) {
	pc := &peerConnection{
		peer:      p,
		send:      make(chan protocol.Envelope, 256), // Buffered to avoid blocking
		done:      make(chan struct{}),
		closeConn: closeConn,
	}

	// Start writer goroutine for this connection
	go func() {
		defer close(pc.done)
		for env := range pc.send {
			if err := send(env); err != nil {
				// If send fails, stop consuming from channel
				return
			}
		}
	}()

	var replaced *peerConnection
	h.mu.Lock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]*peerConnection)
	}
	if h.byPeerID[sessionID] == nil {
		h.byPeerID[sessionID] = make(map[string]string)
	}

	// Last-write-wins: if peer_id already exists, drop the old connection
	if oldConnID, exists := h.byPeerID[sessionID][p.PeerID]; exists && oldConnID != p.ConnID {
		replaced = h.sessions[sessionID][oldConnID]
		delete(h.sessions[sessionID], oldConnID)
	}

	h.sessions[sessionID][p.ConnID] = pc
	h.byPeerID[sessionID][p.PeerID] = p.ConnID
	h.mu.Unlock()

	if replaced != nil {
		h.release(replaced)
	}

	return func() bool {
		h.mu.Lock()
		sessionPeers, exists := h.sessions[sessionID]
		if !exists || sessionPeers[p.ConnID] != pc {
			// Already replaced or closed with the session
			h.mu.Unlock()
			return false
		}
		delete(sessionPeers, p.ConnID)
		if h.byPeerID[sessionID][p.PeerID] == p.ConnID {
			delete(h.byPeerID[sessionID], p.PeerID)
		}
		if len(sessionPeers) == 0 {
			delete(h.sessions, sessionID)
			delete(h.byPeerID, sessionID)
		}
		h.mu.Unlock()

		pc.shutdown()
		// Wait for writer to finish (with timeout to avoid blocking forever)
		select {
		case <-pc.done:
		case <-time.After(1 * time.Second):
		}
		return true
	}
}

// release stops a dropped connection's writer and closes its socket.
func (h *Hub) release(pc *peerConnection) {
	pc.shutdown()
	if pc.closeConn != nil {
		pc.closeConn()
	}
}

// CloseSession drops every peer of a session and closes their connections.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	sessionPeers := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	delete(h.byPeerID, sessionID)
	h.mu.Unlock()

	for _, pc := range sessionPeers {
		h.release(pc)
	}
}

// List returns a list of peers in a session as protocol.PeerInfo.
func (h *Hub) List(sessionID string) []protocol.PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessionPeers, exists := h.sessions[sessionID]
	if !exists || len(sessionPeers) == 0 {
		return []protocol.PeerInfo{}
	}

	peers := make([]protocol.PeerInfo, 0, len(sessionPeers))
	for _, pc := range sessionPeers {
		peers = append(peers, protocol.PeerInfo{
			PeerID: pc.peer.PeerID,
			Role:   pc.peer.Role,
		})
	}

	return peers
}

// CountRole returns how many peers of a session have role.
func (h *Hub) CountRole(sessionID, role string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, pc := range h.sessions[sessionID] {
		if pc.peer.Role == role {
			n++
		}
	}
	return n
}

// Broadcast sends an envelope to all peers in a session.
func (h *Hub) Broadcast(sessionID string, env protocol.Envelope) {
	h.BroadcastExcept(sessionID, "", env)
}

// BroadcastExcept sends an envelope to all peers in a session except the specified peer.
// Uses non-blocking sends via buffered channels to avoid blocking on slow peers.
func (h *Hub) BroadcastExcept(sessionID string, exceptPeerID string, env protocol.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessionPeers, exists := h.sessions[sessionID]
	if !exists {
		return
	}

	exceptConnID := ""
	if exceptPeerID != "" {
		exceptConnID = h.byPeerID[sessionID][exceptPeerID]
	}

	// Sending under the read lock keeps remove from closing a channel mid-send
	for connID, pc := range sessionPeers {
		if exceptConnID != "" && connID == exceptConnID {
			continue
		}
		select {
		case pc.send <- env:
		default:
			// Channel full, skip this peer (avoid blocking)
		}
	}
}

// SendTo sends an envelope to a specific peer in a session.
// Returns true if the peer was found and the message was queued, false otherwise.
func (h *Hub) SendTo(sessionID string, peerID string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	connID, exists := h.byPeerID[sessionID][peerID]
	if !exists {
		return false
	}
	pc, exists := h.sessions[sessionID][connID]
	if !exists {
		return false
	}

	select {
	case pc.send <- env:
	default:
		// Channel full, but peer exists
	}
	return true
}
