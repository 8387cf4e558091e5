package ws

import (
	"encoding/json"
	"fmt"

	"github.com/nadmax/asynctasq-monitor/internal/room"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionListRooms   = "list_rooms"
	ActionPing        = "ping"
)

// Reply types sent in response to client actions.
const (
	ReplyConnected    = "connected"
	ReplySubscribed   = "subscribed"
	ReplyUnsubscribed = "unsubscribed"
	ReplyRooms        = "rooms"
	ReplyPong         = "pong"
	ReplyError        = "error"
)

// Command is one inbound client message.
//
//	{"action":"subscribe","room":"queue:emails"}
type Command struct {
	Action string `json:"action"`
	Room   string `json:"room,omitempty"`
}

// Reply is the server's answer to a Command. Unused fields are omitted,
// except Rooms on connected/rooms replies which is always a list.
type Reply struct {
	Type         string   `json:"type"`
	ConnectionID string   `json:"connection_id,omitempty"`
	Room         string   `json:"room,omitempty"`
	Rooms        []string `json:"rooms,omitempty"`
	Changed      *bool    `json:"changed,omitempty"`
	Message      string   `json:"message,omitempty"`
}

func (r Reply) MarshalJSON() ([]byte, error) {
	type plain Reply
	if r.Type != ReplyRooms && r.Type != ReplyConnected {
		return json.Marshal(plain(r))
	}

	rooms := r.Rooms
	if rooms == nil {
		rooms = []string{}
	}
	return json.Marshal(struct {
		plain
		Rooms []string `json:"rooms"`
	}{plain: plain(r), Rooms: rooms})
}

func errorReply(format string, args ...any) Reply {
	return Reply{Type: ReplyError, Message: fmt.Sprintf(format, args...)}
}

// ConnectedReply greets a freshly accepted connection.
func (m *Manager) ConnectedReply(c *Connection) Reply {
	return Reply{Type: ReplyConnected, ConnectionID: c.id, Rooms: m.RoomsOf(c)}
}

// HandleCommand applies one raw client message to c's membership and returns
// the reply to send back. Bad input yields an error reply, never a panic.
func (m *Manager) HandleCommand(c *Connection, raw []byte) Reply {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return errorReply("invalid JSON: %v", err)
	}

	switch cmd.Action {
	case ActionSubscribe, ActionUnsubscribe:
		if cmd.Room == "" {
			return errorReply("%s requires a room", cmd.Action)
		}
		if !room.Valid(cmd.Room) {
			return errorReply("invalid room %q", cmd.Room)
		}

		if cmd.Action == ActionSubscribe {
			changed := m.Subscribe(c, cmd.Room)
			return Reply{Type: ReplySubscribed, Room: cmd.Room, Changed: &changed}
		}
		changed := m.Unsubscribe(c, cmd.Room)
		return Reply{Type: ReplyUnsubscribed, Room: cmd.Room, Changed: &changed}

	case ActionListRooms:
		return Reply{Type: ReplyRooms, Rooms: m.RoomsOf(c)}

	case ActionPing:
		return Reply{Type: ReplyPong}

	case "":
		return errorReply("missing action")

	default:
		return errorReply("unknown action %q", cmd.Action)
	}
}
