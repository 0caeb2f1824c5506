package llm

import "errors"

// Sentinel errors the dispatcher classifies transport/parse failures into,
// so the agent loop can match with errors.Is instead of string sniffing.
var (
	ErrInvalidKey     = errors.New("invalid-key")
	ErrModelNotFound  = errors.New("model-not-found")
	ErrRateLimited    = errors.New("rate-limited")
	ErrMalformedJSON  = errors.New("malformed-json")
	ErrNoContent      = errors.New("no-content")
	ErrProviderStatus = errors.New("provider-error")
)

// DispatchError wraps a sentinel with the provider's own message.
type DispatchError struct {
	Kind    error
	Message string
}

func (e *DispatchError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *DispatchError) Unwrap() error { return e.Kind }

// FriendlyModelMissing remaps a model-not-found error into the
// Settings-guidance message the loop surfaces to the user.
func FriendlyModelMissing(modelName string) string {
	return "the configured model \"" + modelName + "\" is not available from this provider; open Settings and pick a model this key has access to"
}
