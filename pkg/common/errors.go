package common

import "net/http"

// Code identifies an error class on the wire. The set is closed; handlers
// must not invent codes outside this vocabulary.
type Code string

const (
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeInvalidRequestID   Code = "INVALID_REQUEST_ID"
	CodeInvalidDriverID    Code = "INVALID_DRIVER_ID"
	CodeInvalidUserID      Code = "INVALID_USER_ID"
	CodeInvalidBidID       Code = "INVALID_BID_ID"
	CodeRequestNotFound    Code = "REQUEST_NOT_FOUND"
	CodeDriverNotFound     Code = "DRIVER_NOT_FOUND"
	CodeUserNotFound       Code = "USER_NOT_FOUND"
	CodeBidNotFound        Code = "BID_NOT_FOUND"
	CodeBiddingClosed      Code = "BIDDING_CLOSED"
	CodeRequestNotBiddable Code = "REQUEST_NOT_BIDDABLE"
	CodeDriverNotOnline    Code = "DRIVER_NOT_ONLINE"
	CodeDriverNotAvailable Code = "DRIVER_NOT_AVAILABLE"
	CodeDriverBusy         Code = "DRIVER_BUSY"
	CodeDriverOffline      Code = "DRIVER_OFFLINE"
	CodeBidAlreadyExists   Code = "BID_ALREADY_EXISTS"
	CodeInvalidBidAmount   Code = "INVALID_BID_AMOUNT"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeDuplicateResource  Code = "DUPLICATE_RESOURCE"
	CodePhoneExists        Code = "PHONE_EXISTS"
	CodeEmailExists        Code = "EMAIL_EXISTS"
	CodeInvalidStatus      Code = "INVALID_STATUS"
	CodeInvalidCoordinates Code = "INVALID_COORDINATES"
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeDeadlineExceeded   Code = "DEADLINE_EXCEEDED"
	CodeSlowConsumer       Code = "SLOW_CONSUMER"
)

// AppError is the application error carried across both transports.
type AppError struct {
	Status  int         `json:"-"`
	Code    Code        `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	Err     error       `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches field-level details and returns the error.
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// NewValidationError builds a 400 with VALIDATION_ERROR and per-field details.
func NewValidationError(message string, details interface{}) *AppError {
	return &AppError{
		Status:  http.StatusBadRequest,
		Code:    CodeValidationError,
		Message: message,
		Details: details,
	}
}

// NewBadRequest builds a 400 with the given code.
func NewBadRequest(code Code, message string) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: code, Message: message}
}

// NewNotFound builds a 404 with the given code.
func NewNotFound(code Code, message string) *AppError {
	return &AppError{Status: http.StatusNotFound, Code: code, Message: message}
}

// NewConflict builds a 409 with the given code.
func NewConflict(code Code, message string) *AppError {
	return &AppError{Status: http.StatusConflict, Code: code, Message: message}
}

// NewUnauthorized builds a 403 UNAUTHORIZED error.
func NewUnauthorized(message string) *AppError {
	return &AppError{Status: http.StatusForbidden, Code: CodeUnauthorized, Message: message}
}

// NewInternalError wraps an unexpected failure as INTERNAL_ERROR.
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternalError,
		Message: message,
		Err:     err,
	}
}

// NewDeadlineExceeded reports context expiry on an engine operation.
func NewDeadlineExceeded(message string) *AppError {
	return &AppError{Status: http.StatusGatewayTimeout, Code: CodeDeadlineExceeded, Message: message}
}

// AsAppError normalizes any error into an AppError, wrapping unknown
// errors as INTERNAL_ERROR so the wire never sees an unclassified failure.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return NewInternalError("internal error", err)
}
