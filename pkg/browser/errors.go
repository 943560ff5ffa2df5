package browser

import "fmt"

// Error codes
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNavigation      = "NAVIGATION_ERROR"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeBlocked         = "BLOCKED_URL"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeElementNotFound = "ELEMENT_NOT_FOUND"
	ErrCodeScriptExecution = "SCRIPT_EXECUTION_ERROR"
	ErrCodeBrowserCrash    = "BROWSER_CRASH"
)

// Error is a structured browser failure
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Timeout reports whether the failure was a navigation timeout
func (e *Error) Timeout() bool {
	return e.Code == ErrCodeTimeout
}
