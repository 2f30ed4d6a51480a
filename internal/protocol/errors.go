package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session routing/state.
	ErrSessionBusy    = "E_SESSION_BUSY"
	ErrSessionStopped = "E_SESSION_STOPPED"

	// Input layer.
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrNoPermission = "E_NO_PERMISSION"
	ErrRateLimit    = "E_RATE_LIMIT"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrSessionBusy:     {},
	ErrSessionStopped:  {},
	ErrBadRequest:      {},
	ErrNoPermission:    {},
	ErrRateLimit:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
