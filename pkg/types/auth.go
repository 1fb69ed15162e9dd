package types

// Authentication carries the optional credentials sent with the login
// request. Absent fields are omitted from the payload rather than sent as
// empty strings; the service treats their presence as meaningful.
type Authentication struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Empty reports whether no credentials were supplied at all.
func (a Authentication) Empty() bool {
	return a.Username == "" && a.Password == ""
}
