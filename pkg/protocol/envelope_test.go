package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		msgID   string
		payload any
	}{
		{
			name:    "Hello message",
			msgType: TypeHello,
			msgID:   "test123",
			payload: Hello{PeerID: "peer1", Role: RoleSender},
		},
		{
			name:    "FileOffer message",
			msgType: TypeFileOffer,
			msgID:   "test456",
			payload: FileOffer{Name: "movie.mkv", Size: 1 << 30, Chunks: 8},
		},
		{
			name:    "nil payload",
			msgType: "test",
			msgID:   "test000",
			payload: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope(tt.msgType, tt.msgID, tt.payload)
			if err != nil {
				t.Fatalf("NewEnvelope() error = %v", err)
			}
			if env.V != ProtocolVersion {
				t.Errorf("NewEnvelope() V = %d, want %d", env.V, ProtocolVersion)
			}
			if env.Type != tt.msgType {
				t.Errorf("NewEnvelope() Type = %s, want %s", env.Type, tt.msgType)
			}
			if env.MsgID != tt.msgID {
				t.Errorf("NewEnvelope() MsgID = %s, want %s", env.MsgID, tt.msgID)
			}
			if (tt.payload == nil) != (len(env.Payload) == 0) {
				t.Errorf("NewEnvelope() Payload = %s for payload %v", env.Payload, tt.payload)
			}
		})
	}
}

func TestNewEnvelope_UnmarshalablePayload(t *testing.T) {
	if _, err := NewEnvelope(TypeHello, "x", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestEnvelope_UnknownFieldsIgnored(t *testing.T) {
	jsonData := `{
		"v": 1,
		"type": "chunk_ports",
		"msg_id": "test123",
		"session_id": "session1",
		"from": "peer1",
		"unknown_field": "should be ignored",
		"payload": {"name":"f","addrs":["10.0.0.2"],"ports":[{"id":0,"port":40001}],"extra":true}
	}`

	var env Envelope
	if err := json.Unmarshal([]byte(jsonData), &env); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic() error = %v", err)
	}

	var ports ChunkPorts
	if err := env.DecodePayload(&ports); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if ports.Name != "f" || len(ports.Addrs) != 1 || len(ports.Ports) != 1 || ports.Ports[0].Port != 40001 {
		t.Errorf("DecodePayload() = %+v", ports)
	}
}

func TestEnvelope_DecodeEmptyPayload(t *testing.T) {
	env := Envelope{V: ProtocolVersion, Type: TypeTransferDone, MsgID: "x"}
	var done TransferDone
	if err := env.DecodePayload(&done); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestEnvelope_ValidateBasic(t *testing.T) {
	tests := []struct {
		name   string
		env    Envelope
		errMsg string
	}{
		{name: "valid envelope", env: Envelope{V: ProtocolVersion, Type: "hello", MsgID: "test123"}},
		{name: "wrong version", env: Envelope{V: 999, Type: "hello", MsgID: "test123"}, errMsg: "invalid protocol version"},
		{name: "missing type", env: Envelope{V: ProtocolVersion, MsgID: "test123"}, errMsg: "type is required"},
		{name: "missing msg_id", env: Envelope{V: ProtocolVersion, Type: "hello"}, errMsg: "msg_id is required"},
		{name: "missing both type and msg_id", env: Envelope{V: ProtocolVersion}, errMsg: "type is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.ValidateBasic()
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("ValidateBasic() error = %v", err)
				}
				return
			}
			if err == nil || !strings.HasPrefix(err.Error(), tt.errMsg) {
				t.Errorf("ValidateBasic() error = %v, want prefix %q", err, tt.errMsg)
			}
		})
	}
}

func TestNewMsgID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMsgID()
		if len(id) != 27 {
			t.Errorf("NewMsgID() length = %d, want 27", len(id))
		}
		if ids[id] {
			t.Errorf("NewMsgID() generated duplicate ID: %s", id)
		}
		ids[id] = true
	}
}

func TestNewServerEnvelope(t *testing.T) {
	env, err := NewServerEnvelope("sess1", "peer2", TypeError, Error{Code: "peer_not_found", Message: "gone"})
	if err != nil {
		t.Fatalf("NewServerEnvelope() error = %v", err)
	}
	if env.From != ServerFrom || env.To != "peer2" || env.SessionID != "sess1" {
		t.Errorf("routing fields = %q %q %q", env.From, env.To, env.SessionID)
	}
	if err := env.ValidateBasic(); err != nil {
		t.Errorf("ValidateBasic() error = %v", err)
	}
}

func TestValidRole(t *testing.T) {
	if !ValidRole(RoleSender) || !ValidRole(RoleReceiver) || ValidRole("observer") {
		t.Fatal("unexpected role validation")
	}
}
