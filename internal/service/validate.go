package service

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/moy-bank/support-gateway/internal/model"
)

var validate = validator.New()

type messageBody struct {
	Body string `validate:"required,max=1000"`
}

// ValidateBody trims body and checks it is valid UTF-8, non-empty and at most
// model.MaxBodyLength characters long.
func ValidateBody(body string) (string, error) {
	if !utf8.ValidString(body) {
		return "", fmt.Errorf("%w: body must be valid UTF-8", model.ErrValidationFailed)
	}
	body = strings.TrimSpace(body)

	if err := validate.Struct(messageBody{Body: body}); err != nil {
		var errs validator.ValidationErrors
		if !errors.As(err, &errs) || len(errs) == 0 {
			return "", fmt.Errorf("%w: %v", model.ErrValidationFailed, err)
		}
		if errs[0].Tag() == "required" {
			return "", fmt.Errorf("%w: message body is empty", model.ErrValidationFailed)
		}
		return "", fmt.Errorf("%w: message body exceeds %d characters", model.ErrValidationFailed, model.MaxBodyLength)
	}
	return body, nil
}

// validateSend checks an outgoing message and returns its trimmed body.
func validateSend(conversationID, body string) (string, error) {
	if !model.ValidID(conversationID) {
		return "", fmt.Errorf("%w: invalid conversation id", model.ErrValidationFailed)
	}
	return ValidateBody(body)
}
