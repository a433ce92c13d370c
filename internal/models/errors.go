package models

// AppError is a structured application error with HTTP status code.
type AppError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Status  int    `json:"-"`
}

func (e *AppError) Error() string { return e.Message }

// Error constructors.
var (
	ErrNotFound = func(msg string) *AppError {
		return &AppError{Code: "NOT_FOUND", Message: msg, Status: 404}
	}
	ErrBadRequest = func(msg string) *AppError {
		return &AppError{Code: "BAD_REQUEST", Message: msg, Status: 400}
	}
	ErrInternal = func(msg string) *AppError {
		return &AppError{Code: "INTERNAL", Message: msg, Status: 500}
	}
	ErrConflict = func(msg string) *AppError {
		return &AppError{Code: "CONFLICT", Message: msg, Status: 409}
	}
	// ErrUnsupported is returned when a peripheral lacks the capability an
	// operation needs, e.g. feeding samples to a fuel gauge.
	ErrUnsupported = func(msg string) *AppError {
		return &AppError{Code: "UNSUPPORTED", Message: msg, Status: 422}
	}
)

// FieldError is ErrBadRequest naming the offending request field.
func FieldError(field, msg string) *AppError {
	e := ErrBadRequest(msg)
	e.Field = field
	return e
}
