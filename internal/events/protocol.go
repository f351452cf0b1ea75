package events

// Event types accepted on the socket. The dispatcher names of the host
// application are accepted as aliases.
const (
	TypeVoice   = "voice"
	TypeMessage = "message"
	TypeClick   = "click"

	aliasVoice   = "RTC_CONNECTION_STATE"
	aliasMessage = "MESSAGE_CREATE"
)

// Voice connection states. Other RTC states are acknowledged and ignored.
const (
	StateConnected    = "RTC_CONNECTED"
	StateDisconnected = "RTC_DISCONNECTED"
)

// Event is a single newline-delimited JSON notification.
type Event struct {
	Type     string `json:"type"`
	State    string `json:"state,omitempty"`
	AuthorID string `json:"author_id,omitempty"`
}

// Response acknowledges one event.
type Response struct {
	OK      bool   `json:"ok"`
	Ignored bool   `json:"ignored,omitempty"`
	Error   string `json:"error,omitempty"`
}
