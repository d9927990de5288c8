package auth

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/larder/internal/apperr"
)

// SignUpInput is the sign-up form.
type SignUpInput struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	DisplayName     string `json:"display_name"`
}

// Normalize trims the email and display name and lower-cases the email.
func (in *SignUpInput) Normalize() {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.DisplayName = strings.TrimSpace(in.DisplayName)
}

// Validate checks the form with the given minimum password length.
func (in SignUpInput) Validate(minPassword int) error {
	err := validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.EmailFormat),
		validation.Field(&in.Password, validation.Required, validation.RuneLength(minPassword, 0)),
		validation.Field(&in.ConfirmPassword, validation.By(func(any) error {
			if in.ConfirmPassword != in.Password {
				return errors.New("passwords do not match")
			}
			return nil
		})),
		validation.Field(&in.DisplayName, validation.Length(0, 100)),
	)
	return apperr.Validation(err)
}

// SignInInput is the sign-in form.
type SignInInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate checks the form shape only; credentials are checked by SignIn.
func (in SignInInput) Validate() error {
	err := validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.EmailFormat),
		validation.Field(&in.Password, validation.Required),
	)
	return apperr.Validation(err)
}
