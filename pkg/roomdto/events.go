// Package roomdto holds the wire contract shared by the server and its clients.
package roomdto

// Outbound event names.
const (
	EventJoinedRoom       = "joined-room"
	EventUserJoined       = "user-joined"
	EventSpectatorJoined  = "spectator-joined"
	EventGameStart        = "game-start"
	EventReceiveMove      = "receive-move"
	EventGameOver         = "game-over"
	EventLeftRoom         = "left-room"
	EventUserLeft         = "user-left"
	EventRoomFull         = "room-full"
	EventError            = "error"
	EventReceiveChat      = "receive-chat-message"
	EventRoomAccess       = "room-access"
	EventRemovedFromRoom  = "removed-from-room"
	EventSpectatorRemoved = "spectator-removed"
	EventSpectatorKicked  = "spectator-kicked"
	EventRoomCreated      = "room-created"
	EventRoomSnapshot     = "room-snapshot"
)

// Inbound event names.
const (
	CmdCreateRoom         = "create-room"
	CmdJoinRoom           = "join-room"
	CmdLeaveRoom          = "leave-room"
	CmdMove               = "move"
	CmdSendMessage        = "send-message"
	CmdRemoveSpectator    = "remove-spectator"
	CmdValidateRoomAccess = "validate-room-access"
	CmdGetRoom            = "get-room"
)

const (
	AccessGranted = "granted"
	AccessDenied  = "denied"
)
