package http

import (
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	apierrors "rslserver/internal/errors"
)

// validate is the shared struct validator. Field names in error details
// come from the json tag, not the Go field name.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// maxBodySize bounds request bodies. License documents are small; a
// larger body is never legitimate.
const maxBodySize = 1 << 20

// readGrantBody consumes the request body and peeks the grant_type
// discriminator without committing to a grant-specific structure yet.
func readGrantBody(r *http.Request) ([]byte, string, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err != nil {
		return nil, "", err
	}
	var probe struct {
		GrantType string `json:"grant_type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, "", err
	}
	return body, probe.GrantType, nil
}

// bindGrant unmarshals a grant body into its typed request and validates
// it. Unknown fields are tolerated here since every grant body carries
// the shared grant_type discriminator.
func bindGrant(body []byte, dst interface{}) *apierrors.APIError {
	if err := json.Unmarshal(body, dst); err != nil {
		return apierrors.InvalidRequestWithError(err)
	}
	if err := validate.Struct(dst); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return apierrors.InvalidRequestWithError(err)
		}
		details := make([]apierrors.ValidationError, 0, len(verrs))
		for _, ve := range verrs {
			details = append(details, apierrors.ValidationError{
				Field:   ve.Field(),
				Message: "failed validation rule " + ve.Tag(),
			})
		}
		return apierrors.NewValidationErrors(details)
	}
	return nil
}

// decodeAndValidate decodes the JSON body into dst and runs struct
// validation. All failures surface as invalid_request with field details.
func decodeAndValidate(r *http.Request, dst interface{}) *apierrors.APIError {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierrors.InvalidRequestWithError(err)
	}

	if err := validate.Struct(dst); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return apierrors.InvalidRequestWithError(err)
		}
		details := make([]apierrors.ValidationError, 0, len(verrs))
		for _, ve := range verrs {
			details = append(details, apierrors.ValidationError{
				Field:   ve.Field(),
				Message: "failed validation rule " + ve.Tag(),
			})
		}
		return apierrors.NewValidationErrors(details)
	}
	return nil
}
