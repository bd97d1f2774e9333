package protocol

// Message type constants for protocol envelopes.
const (
	TypeHello        = "hello"
	TypeError        = "error"
	TypePeerList     = "peer_list"
	TypePeerJoined   = "peer_joined"
	TypePeerLeft     = "peer_left"
	TypeFileOffer    = "file_offer"
	TypeChunkPorts   = "chunk_ports"
	TypeTransferDone = "transfer_done"
)

// Peer roles accepted by the rendezvous server.
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

// ValidRole reports whether role is one the server accepts.
func ValidRole(role string) bool {
	return role == RoleSender || role == RoleReceiver
}

// Error codes carried in Error.Code.
const (
	CodePeerNotFound = "peer_not_found"
	CodeBadOffer     = "bad_offer"
)
