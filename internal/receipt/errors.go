package receipt

import (
	"errors"
	"net/http"

	"github.com/zombor/receipt-scanner/internal/imagestore"
	"github.com/zombor/receipt-scanner/internal/scanning"
)

const (
	msgInternal   = "Internal server error"
	msgScanFailed = "Receipt analysis failed. Please try again later."
	msgNotFound   = "Receipt not found"
	msgValidation = "Validation failed"
	msgUnreadable = "Could not read the receipt. Please retake the photo."
)

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries request validation failures.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return msgValidation
	}
	return msgValidation + ": " + e.Fields[0].Field + " " + e.Fields[0].Message
}

func fieldError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// classify maps an error to an HTTP status and a message that is safe to
// show to clients.
func classify(err error) (int, string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, verr.Error()
	case errors.Is(err, imagestore.ErrInvalidFormat):
		return http.StatusBadRequest, imagestore.ErrInvalidFormat.Error()
	case errors.Is(err, imagestore.ErrTooLarge):
		return http.StatusBadRequest, imagestore.ErrTooLarge.Error()
	case errors.Is(err, imagestore.ErrTooManyPixels):
		return http.StatusBadRequest, imagestore.ErrTooManyPixels.Error()
	case errors.Is(err, ErrInvalidSortField):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, msgNotFound
	case errors.Is(err, scanning.ErrParse), errors.Is(err, scanning.ErrValidation):
		return http.StatusUnprocessableEntity, msgUnreadable
	case errors.Is(err, scanning.ErrService), errors.Is(err, scanning.ErrNotConfigured):
		return http.StatusInternalServerError, msgScanFailed
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// PublicMessage returns the client-safe message for err.
func PublicMessage(err error) string {
	_, msg := classify(err)
	return msg
}
