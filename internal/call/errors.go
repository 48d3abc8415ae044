package call

import "fmt"

// EIP-1193 provider error codes.
const (
	CodeUserRejected = 4001
	CodeUnauthorized = 4100
)

// ProviderError is the error a wallet provider hands back to the dApp.
type ProviderError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// Is matches on code so callers can use errors.Is(err, ErrUserRejected).
func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*ProviderError)
	return ok && t.Code == e.Code
}

// ErrUserRejected is the rejection every denied call surfaces.
var ErrUserRejected = &ProviderError{Code: CodeUserRejected, Message: "User rejected the request."}

// Rejected returns a user-rejected error carrying reason when set.
func Rejected(reason string) error {
	if reason == "" {
		return ErrUserRejected
	}
	return &ProviderError{Code: CodeUserRejected, Message: "User rejected the request: " + reason}
}
