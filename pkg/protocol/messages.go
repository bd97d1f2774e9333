package protocol

// Hello is sent when a peer first connects to the server.
type Hello struct {
	PeerID string `json:"peer_id"`
	Role   string `json:"role"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PeerInfo contains information about a peer.
type PeerInfo struct {
	PeerID string `json:"peer_id"`
	Role   string `json:"role"`
}

// PeerList contains a list of peers.
type PeerList struct {
	Peers []PeerInfo `json:"peers"`
}

// PeerJoined indicates a peer has joined a session.
type PeerJoined struct {
	Peer PeerInfo `json:"peer"`
}

// PeerLeft indicates a peer has left a session.
type PeerLeft struct {
	PeerID string `json:"peer_id"`
}

// CreateSessionResponse is the body of a successful POST /session.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	JoinCode  string `json:"join_code"`
	ExpiresAt string `json:"expires_at,omitempty"` // RFC3339
}

// FileOffer announces the file a sender wants to transfer and how it is split.
type FileOffer struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Chunks int    `json:"chunks"`
}

// ChunkPort maps a chunk to the port its receive unit listens on.
type ChunkPort struct {
	ID   int `json:"id"`
	Port int `json:"port"`
}

// ChunkPorts is the receiver's answer to a FileOffer: the hosts it can be
// reached on and one listening port per chunk.
type ChunkPorts struct {
	Name  string      `json:"name"`
	Addrs []string    `json:"addrs"`
	Ports []ChunkPort `json:"ports"`
}

// TransferDone reports the final outcome of one side of a transfer.
type TransferDone struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
