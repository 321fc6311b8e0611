package models

// Session is an authenticated backend session. It is owned exclusively by
// the auth service; everything else receives token and user id by value.
type Session struct {
	Token  string `json:"token"`
	UserID int    `json:"user"`
}
