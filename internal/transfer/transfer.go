// Package transfer reads and writes the item export document: a flat list
// of item records as JSON or YAML.
package transfer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/models"
)

// Format is an export encoding.
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
)

// ParseFormat parses a format name; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	default:
		return "", apperr.Validationf("unknown export format %q", s)
	}
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == YAML {
		return "application/yaml"
	}
	return "application/json"
}

// Ext returns the file extension of f.
func (f Format) Ext() string {
	if f == YAML {
		return ".yaml"
	}
	return ".json"
}

// Export writes items to w in format f.
func Export(w io.Writer, items []models.Item, f Format) error {
	if items == nil {
		items = []models.Item{}
	}
	switch f {
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(items); err != nil {
			return fmt.Errorf("transfer: encode yaml: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(items); err != nil {
			return fmt.Errorf("transfer: encode json: %w", err)
		}
		return nil
	}
}

// Record is one imported item. Identity and ownership fields present in an
// export are ignored: imports are re-created under the importing user.
type Record struct {
	Name       string `json:"name" yaml:"name"`
	Category   string `json:"category" yaml:"category"`
	ExpiryDate string `json:"expiry_date" yaml:"expiry_date"`
	ImageURL   string `json:"image_url" yaml:"image_url"`
	Notes      string `json:"notes" yaml:"notes"`
	Quantity   *int   `json:"quantity" yaml:"quantity"`
}

// Validate checks the record as Input will convert it, so a record that
// passes here is accepted on insert.
func (r Record) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Category = strings.TrimSpace(r.Category)
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Category, validation.Length(0, 100)),
		validation.Field(&r.ExpiryDate, validation.Required, validation.By(func(any) error {
			_, err := models.ParseDate(r.ExpiryDate)
			if err != nil {
				return errors.New("must be a date (YYYY-MM-DD)")
			}
			return nil
		})),
		validation.Field(&r.Quantity, validation.By(func(any) error {
			if r.Quantity != nil && *r.Quantity < 0 {
				return errors.New("must not be negative")
			}
			return nil
		})),
	)
}

// Input converts a validated record. A missing or zero quantity becomes
// models.DefaultQuantity.
func (r Record) Input() models.ItemInput {
	d, _ := models.ParseDate(r.ExpiryDate)
	q := models.DefaultQuantity
	if r.Quantity != nil && *r.Quantity > 0 {
		q = *r.Quantity
	}
	return models.ItemInput{
		Name:       strings.TrimSpace(r.Name),
		Category:   strings.TrimSpace(r.Category),
		ExpiryDate: d,
		ImageRef:   r.ImageURL,
		Notes:      r.Notes,
		Quantity:   q,
	}
}

// Decode parses a JSON or YAML document and validates every record before
// returning any. A document that is not a list is a validation error.
func Decode(data []byte) ([]models.ItemInput, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, apperr.Validationf("import document is empty")
	}

	// YAML is a superset of JSON, so one parser reads both encodings.
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperr.Validationf("import document is not valid JSON or YAML: %v", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.SequenceNode {
		return nil, apperr.Validationf("import document must be a list of items")
	}

	var records []Record
	if err := doc.Content[0].Decode(&records); err != nil {
		return nil, apperr.Validationf("import document has malformed records: %v", err)
	}

	out := make([]models.ItemInput, 0, len(records))
	for i, r := range records {
		if err := r.Validate(); err != nil {
			return nil, apperr.Validationf("item %d: %v", i+1, err)
		}
		out = append(out, r.Input())
	}
	return out, nil
}
