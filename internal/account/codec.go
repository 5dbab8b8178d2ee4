package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	return v
}

// FromJSON decodes and validates an account configuration.
func FromJSON(data []byte) (*Account, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: account config is empty", apperrors.ErrArgument)
	}

	var a Account
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: decoding account config: %v", apperrors.ErrArgument, err)
	}

	a.Name = strings.TrimSpace(a.Name)
	a.IssuerURL = strings.TrimSuffix(strings.TrimSpace(a.IssuerURL), "/")

	if err := validate.Struct(&a); err != nil {
		a.Wipe()
		return nil, fmt.Errorf("%w: %s", apperrors.ErrArgument, describeValidation(err))
	}

	return &a, nil
}

// ToJSON encodes the account's public configuration, including its
// refresh token and client credentials.
func ToJSON(a *Account) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encoding account %q: %w", a.Name, err)
	}

	return data, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "url":
			parts = append(parts, fe.Field()+" must be a URL")
		default:
			parts = append(parts, fe.Field()+" is invalid")
		}
	}

	return strings.Join(parts, ", ")
}
