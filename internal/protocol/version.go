package protocol

// Version constants for compatibility checking
const (
	ProtocolVersion = 1
	MinVersion      = 1
)

// Compatible checks if two protocol versions can share a session
func Compatible(local, remote int32) bool {
	return remote >= MinVersion && local >= MinVersion
}
