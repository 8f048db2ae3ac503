package bili

import "fmt"

// Business codes the scheduler cares about. The full code space is large;
// anything unlisted is treated as transient by ClassifyRetryable.
const (
	codeNotFound       = -404  // 啥都木有: target does not exist
	codeRateLimited    = -412  // 请求被拦截: upstream throttling
	codeNotLoggedIn    = -101  // credential rejected
	codeVideoInvisible = 62002 // 稿件不可见
	codeVideoAudit     = 62012 // 仅UP主自己可见
)

// APIError is a Bilibili response with a non-zero business code.
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bilibili %s: code %d: %s", e.Endpoint, e.Code, e.Message)
}

// NotFound reports whether the target is gone or permanently hidden.
func (e *APIError) NotFound() bool {
	switch e.Code {
	case codeNotFound, codeVideoInvisible, codeVideoAudit:
		return true
	}
	return false
}

// RateLimited reports whether the upstream explicitly throttled us.
func (e *APIError) RateLimited() bool { return e.Code == codeRateLimited }

// AuthRejected reports whether the credential was refused.
func (e *APIError) AuthRejected() bool { return e.Code == codeNotLoggedIn }

// StatusError is a non-2xx HTTP response before any body parsing.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bilibili %s: http %d", e.Endpoint, e.StatusCode)
}

// Gone reports whether the HTTP status says the target no longer exists.
func (e *StatusError) Gone() bool {
	return e.StatusCode == 404 || e.StatusCode == 410
}
