package auth

import (
	"errors"
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/aidashboard/backend/internal/errors"
)

var emailShape = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Registration only fails on duplicate or malformed tags.
	_ = v.RegisterValidation("emailshape", func(fl validator.FieldLevel) bool {
		return emailShape.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		n, err := strconv.Atoi(fl.Param())
		return err == nil && len(fl.Field().String()) <= n
	})
	return v
}

type SignupRequest struct {
	Email    string `json:"email" validate:"required,emailshape"`
	Password string `json:"password" validate:"required,min=8,maxbytes=72"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,maxbytes=72"`
}

type DeleteAccountRequest struct {
	Password string `json:"password" validate:"required"`
}

// fieldMessages maps "Field.tag" to the message shown to clients.
var fieldMessages = map[string]string{
	"Email.required":           "email and password are required",
	"Password.required":        "email and password are required",
	"Email.emailshape":         "invalid email",
	"Password.min":             "password must be at least 8 characters",
	"Password.maxbytes":        "password must be at most 72 bytes",
	"CurrentPassword.required": "current and new password are required",
	"NewPassword.required":     "current and new password are required",
	"NewPassword.min":          "password must be at least 8 characters",
	"NewPassword.maxbytes":     "password must be at most 72 bytes",

	"DeleteAccountRequest.Password.required": "password is required",
}

// validateRequest returns a ValidationError describing the first failed rule.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.ValidationError("invalid request").WithCause(err)
	}

	fe := verrs[0]
	for _, key := range []string{fe.StructNamespace() + "." + fe.Tag(), fe.StructField() + "." + fe.Tag()} {
		if msg, ok := fieldMessages[key]; ok {
			return apperrors.ValidationError(msg)
		}
	}
	return apperrors.ValidationError(fe.Field() + " is invalid")
}
