package broker

import "encoding/json"

// Control message types carried on agent groups. These never reach clients;
// they coordinate sessions holding the same agent key across replicas.
const (
	// ControlSupersede is published by a newly accepted session before it
	// joins the agent group. Older sessions close with the superseded code.
	ControlSupersede = "supersede"

	// ControlForceDisconnect is published when the server needs every
	// session for the key gone, e.g. after the agent is unregistered.
	ControlForceDisconnect = "force_disconnect"
)

// ControlMessage is the frame published to an agent group.
type ControlMessage struct {
	Type string `json:"type"`

	// NewChannel identifies the superseding session so it can ignore its
	// own announcement. Empty for force_disconnect.
	NewChannel string `json:"new_channel,omitempty"`
}

// EncodeControl serializes a control message.
func EncodeControl(msg ControlMessage) []byte {
	b, _ := json.Marshal(msg)
	return b
}

// DecodeControl parses a control message frame.
func DecodeControl(frame []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return ControlMessage{}, err
	}
	return msg, nil
}
