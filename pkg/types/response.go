package types

// AddResponse is one record of the acknowledgement payload the service sends
// for an "add" request. The payload is a sequence of these; only the first
// record is interpreted.
type AddResponse struct {
	OK        bool   `json:"ok"`
	Msg       string `json:"msg,omitempty"`
	MonitorID *int64 `json:"monitorID,omitempty"`
}

// LoginResponse is the acknowledgement payload for a "login" request.
type LoginResponse struct {
	OK    bool   `json:"ok"`
	Msg   string `json:"msg,omitempty"`
	Token string `json:"token,omitempty"`
}
