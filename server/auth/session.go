package auth

import (
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/utils"
	"github.com/BYTEDz/PCLink/utils/cmap"
)

// SessionCookie is the operator browser session cookie name.
const SessionCookie = `pclink_session`

// sessionTTL is 24 hours of inactivity.
const sessionTTL = 24 * 60 * 60

// OperatorSession backs one browser login. The token is opaque and
// bound to the IP it was issued to.
type OperatorSession struct {
	Token        string
	BoundIP      string
	CreatedAt    int64
	LastActivity int64
}

var sessions = cmap.New[*OperatorSession]()

// CreateSession issues a fresh operator session bound to ip.
func CreateSession(ip string) *OperatorSession {
	session := &OperatorSession{
		Token:        utils.GetStrUUID() + utils.GetStrUUID(),
		BoundIP:      ip,
		CreatedAt:    utils.Unix,
		LastActivity: utils.Unix,
	}
	sessions.Set(session.Token, session)
	common.Info(nil, `OPERATOR_LOGIN`, `success`, ``, map[string]any{`ip`: ip})
	return session
}

// ValidateSession checks the token, its expiry and its IP binding.
// Expired sessions are garbage-collected on the spot.
func ValidateSession(token, ip string) bool {
	if len(token) == 0 {
		return false
	}
	session, ok := sessions.Get(token)
	if !ok {
		return false
	}
	if utils.Unix-session.LastActivity > sessionTTL {
		sessions.Remove(token)
		return false
	}
	if session.BoundIP != ip {
		common.Warn(nil, `OPERATOR_SESSION`, `ip_mismatch`, ``, map[string]any{
			`bound_ip`: session.BoundIP,
			`from`:     ip,
		})
		return false
	}
	session.LastActivity = utils.Unix
	return true
}

// RevokeSession logs out one token.
func RevokeSession(token string) {
	sessions.Remove(token)
}

// RevokeAllSessions logs out every operator, used after a password
// change.
func RevokeAllSessions() int {
	return sessions.Clear()
}

// SessionCount returns the number of live operator sessions after
// sweeping expired ones.
func SessionCount() int {
	var expired []string
	sessions.IterCb(func(token string, session *OperatorSession) bool {
		if utils.Unix-session.LastActivity > sessionTTL {
			expired = append(expired, token)
		}
		return true
	})
	sessions.Remove(expired...)
	return sessions.Count()
}
