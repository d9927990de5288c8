package tracker

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/models"
)

var (
	errRequiredDate = errors.New("is required")
	errPositive     = errors.New("must be at least 1")
)

func validateInput(in *models.ItemInput) error {
	in.Name = strings.TrimSpace(in.Name)
	in.Category = strings.TrimSpace(in.Category)
	if in.Quantity == 0 {
		in.Quantity = models.DefaultQuantity
	}
	err := validation.ValidateStruct(in,
		validation.Field(&in.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Category, validation.Length(0, 100)),
		validation.Field(&in.ExpiryDate, validation.By(func(any) error {
			if in.ExpiryDate.IsZero() {
				return errRequiredDate
			}
			return nil
		})),
		validation.Field(&in.Quantity, validation.Min(1)),
	)
	return apperr.Validation(err)
}

func validatePatch(p *models.ItemPatch) error {
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		p.Name = &name
	}
	err := validation.ValidateStruct(p,
		validation.Field(&p.Name, validation.NilOrNotEmpty, validation.Length(1, 200)),
		validation.Field(&p.Category, validation.Length(0, 100)),
		validation.Field(&p.ExpiryDate, validation.By(func(any) error {
			if p.ExpiryDate != nil && p.ExpiryDate.IsZero() {
				return errRequiredDate
			}
			return nil
		})),
		validation.Field(&p.Quantity, validation.By(func(any) error {
			if p.Quantity != nil && *p.Quantity < 1 {
				return errPositive
			}
			return nil
		})),
	)
	return apperr.Validation(err)
}
