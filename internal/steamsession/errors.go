package steamsession

import (
	"errors"
	"fmt"
)

// TerminalAuthKind enumerates the auth failures that can never succeed on
// retry and therefore propagate all the way to the orchestrator instead of
// being retried locally.
type TerminalAuthKind int

const (
	// InvalidPassword is returned when both the refresh token and the
	// password fallback are rejected.
	InvalidPassword TerminalAuthKind = iota
	// AccountLogonDeniedVerifiedEmailRequired is raised by the headless
	// credentials authenticator when a device-confirmation auto-accepts but
	// the account still requires e-mail verification.
	AccountLogonDeniedVerifiedEmailRequired
	// AccountLoginDeniedNeedTwoFactor is raised when the account requires a
	// mobile authenticator code the headless authenticator cannot supply.
	AccountLoginDeniedNeedTwoFactor
)

func (k TerminalAuthKind) String() string {
	switch k {
	case InvalidPassword:
		return "InvalidPassword"
	case AccountLogonDeniedVerifiedEmailRequired:
		return "AccountLogonDeniedVerifiedEmailRequired"
	case AccountLoginDeniedNeedTwoFactor:
		return "AccountLoginDeniedNeedTwoFactor"
	default:
		return "Unknown"
	}
}

// TerminalAuthError signals that no amount of retrying will let this
// account log on; the orchestrator responds by removing the account.
type TerminalAuthError struct {
	Kind TerminalAuthKind
}

func (e *TerminalAuthError) Error() string {
	return fmt.Sprintf("steamsession: terminal auth failure: %s", e.Kind)
}

// IsTerminalAuthError reports whether err is (or wraps) a TerminalAuthError.
func IsTerminalAuthError(err error) bool {
	var target *TerminalAuthError
	return errors.As(err, &target)
}
