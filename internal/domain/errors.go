package domain

import "errors"

// Domain errors
var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrQuestNotFound     = errors.New("quest not found")
	ErrQuestInactive     = errors.New("quest is no longer active")
	ErrQuestNotStarted   = errors.New("quest not started")
	ErrQuestNotReady     = errors.New("quest not finished yet")
	ErrAlreadyCompleted  = errors.New("quest already completed")
	ErrCodeNotRequired   = errors.New("this quest does not require a code")
	ErrCodeNotConfigured = errors.New("verification code not found for this quest")
	ErrInvalidCode       = errors.New("invalid verification code")
	ErrAlreadyRedeemed   = errors.New("code already redeemed")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnauthorized      = errors.New("authentication required")
	ErrInternalError     = errors.New("internal server error")
)

// IsNotFound reports whether an error indicates a missing quest, code or account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrQuestNotFound) ||
		errors.Is(err, ErrCodeNotConfigured) ||
		errors.Is(err, ErrAccountNotFound)
}

// IsConflict reports whether an error indicates an attempt to credit the same
// quest or code twice. Conflicts are terminal: no new reward was or will be
// granted for the pair.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyCompleted) || errors.Is(err, ErrAlreadyRedeemed)
}

// IsValidation reports whether an error is the caller's fault and not
// retriable without changing the request.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrQuestInactive) ||
		errors.Is(err, ErrQuestNotStarted) ||
		errors.Is(err, ErrQuestNotReady) ||
		errors.Is(err, ErrCodeNotRequired) ||
		errors.Is(err, ErrInvalidCode)
}
