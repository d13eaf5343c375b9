package vpn

import "strings"

// AuthFailedReason is why the server rejected the credentials.
type AuthFailedReason int

const (
	// AuthUnknown covers an empty or unrecognized reason.
	AuthUnknown AuthFailedReason = iota
	// AuthInvalidAccount means the account does not exist.
	AuthInvalidAccount
	// AuthOutOfTime means the account has expired.
	AuthOutOfTime
)

func (r AuthFailedReason) String() string {
	switch r {
	case AuthInvalidAccount:
		return "invalid_account"
	case AuthOutOfTime:
		return "out_of_time"
	default:
		return "unknown"
	}
}

// Description is the message shown to users.
func (r AuthFailedReason) Description() string {
	switch r {
	case AuthInvalidAccount:
		return "the account does not exist"
	case AuthOutOfTime:
		return "the account has run out of time"
	default:
		return "the server gave no reason"
	}
}

// parseAuthFailed reads the reason from an openvpn line such as
// "AUTH: Received control message: AUTH_FAILED,[OUT_OF_TIME] expired".
// ok is false for lines that do not report an auth failure.
func parseAuthFailed(line string) (reason AuthFailedReason, ok bool) {
	const marker = "AUTH_FAILED"
	i := strings.Index(line, marker)
	if i < 0 {
		return AuthUnknown, false
	}
	rest := strings.TrimPrefix(line[i+len(marker):], ",")
	tag := strings.ToUpper(strings.TrimSpace(rest))
	switch {
	case strings.HasPrefix(tag, "[INVALID_ACCOUNT]"):
		return AuthInvalidAccount, true
	case strings.HasPrefix(tag, "[OUT_OF_TIME]"):
		return AuthOutOfTime, true
	default:
		return AuthUnknown, true
	}
}
