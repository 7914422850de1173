package authstate

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	goerrors "github.com/goliatone/go-errors"
)

// MinPasswordLength mirrors the identity provider password policy
const MinPasswordLength = 6

// RegisterInput is the payload of Service.Register
type RegisterInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// Validate checks the payload and returns a taxonomy error
func (r RegisterInput) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.EmailFormat),
		validation.Field(&r.Password, validation.Required, validation.Length(MinPasswordLength, 0)),
		validation.Field(&r.DisplayName, validation.Length(0, 100)),
	)
	return validationToTaxonomy(err)
}

// Normalized trims the payload and derives a display name when missing
func (r RegisterInput) Normalized() RegisterInput {
	r.Email = strings.TrimSpace(r.Email)
	r.DisplayName = strings.TrimSpace(r.DisplayName)
	if r.DisplayName == "" {
		r.DisplayName = displayNameFromEmail(r.Email)
	}
	return r
}

// SignInInput is the payload of Service.SignIn
type SignInInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate checks the payload and returns a taxonomy error
func (s SignInInput) Validate() error {
	err := validation.ValidateStruct(&s,
		validation.Field(&s.Email, validation.Required, is.EmailFormat),
		validation.Field(&s.Password, validation.Required),
	)
	if err == nil {
		return nil
	}
	if errs, ok := err.(validation.Errors); ok && errs["password"] != nil && errs["email"] == nil {
		return NewError(KindInvalidCredential, err, nil)
	}
	return validationToTaxonomy(err)
}

func validateEmail(email string) error {
	err := validation.Validate(strings.TrimSpace(email), validation.Required, is.EmailFormat)
	if err != nil {
		return NewError(KindMalformedIdentifier, err, map[string]any{"field": "email"})
	}
	return nil
}

func validationToTaxonomy(err error) error {
	if err == nil {
		return nil
	}

	errs, ok := err.(validation.Errors)
	if !ok {
		return NewError(KindUnknown, err, map[string]any{"original_message": err.Error()})
	}

	var out *goerrors.Error
	switch {
	case errs["email"] != nil:
		out = NewError(KindMalformedIdentifier, errs["email"], map[string]any{"field": "email"})
	case errs["password"] != nil:
		out = NewError(KindWeakCredential, errs["password"], map[string]any{"field": "password"})
	default:
		out = NewError(KindUnknown, err, map[string]any{"original_message": err.Error()})
	}

	if fields := goerrors.FromOzzoValidation(err, out.Message); fields != nil {
		out.ValidationErrors = fields.ValidationErrors
	}
	return out
}

func displayNameFromEmail(email string) string {
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	return email
}
