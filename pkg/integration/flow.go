package integration

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/sunvault/sunvault/pkg/ess"
	"github.com/sunvault/sunvault/pkg/log"
	"github.com/sunvault/sunvault/pkg/types"
)

// Error codes reported to the operator by the credential forms.
const (
	CodeInvalidEmail      = "invalid_email"
	CodeInvalidAuth       = "invalid_auth"
	CodeCannotConnect     = "cannot_connect"
	CodeUnknown           = "unknown"
	CodeAlreadyConfigured = "already_configured"
)

// FlowError is a credential check failure with an operator-facing code.
type FlowError struct {
	Code string
	Err  error
}

func (e *FlowError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// NormalizeEmail trims and lower-cases an account email. The result is the
// unique id of the entry.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateCredentials logs in once with a throwaway client and closes it.
func ValidateCredentials(ctx context.Context, factory ess.Factory, creds types.Credentials) error {
	if _, err := mail.ParseAddress(creds.Email); err != nil {
		return &FlowError{Code: CodeInvalidEmail, Err: err}
	}
	if creds.Password == "" {
		return &FlowError{Code: CodeInvalidAuth}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"validating credentials",
		slog.String("email", creds.Email),
		slog.Any("password", log.Redacted(creds.Password)),
	)

	client := factory(creds)
	defer client.Close()

	err := client.Login(ctx)
	switch {
	case err == nil:
		return nil
	case ess.IsAuthError(err):
		return &FlowError{Code: CodeInvalidAuth, Err: err}
	case ess.IsAPIError(err):
		return &FlowError{Code: CodeCannotConnect, Err: err}
	}
	log.Ctx(ctx).ErrorContext(ctx, "unexpected error validating credentials", slog.Any("error", err))
	return &FlowError{Code: CodeUnknown, Err: err}
}
