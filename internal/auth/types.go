package auth

// AuthContext holds the identity the gateway asserts for a request. The
// gateway performs its own authentication upstream and forwards the
// result as headers; this package never validates credentials itself,
// it only extracts and carries them.
type AuthContext struct {
	UserID       string
	UserNickname string
	SessionID    string
}

// Empty reports whether no identity was attached to the request at all.
func (a *AuthContext) Empty() bool {
	return a == nil || a.UserID == ""
}
