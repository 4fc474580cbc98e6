package api

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed create_request.schema.json
var createRequestSchemaJSON string

var createRequestSchema = jsonschema.MustCompileString("create_request.schema.json", createRequestSchemaJSON)

// errMalformedBody marks a body that is not JSON at all.
var errMalformedBody = errors.New("malformed JSON body")

// validateCreateBody checks raw against the create-request schema and
// returns a short description of the first violation.
func validateCreateBody(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if err := createRequestSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return errors.New(describe(ve))
		}
		return err
	}
	return nil
}

// describe flattens a validation error tree into its deepest causes.
func describe(ve *jsonschema.ValidationError) string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + ve.Message
	}
	parts := make([]string, 0, len(ve.Causes))
	for _, c := range ve.Causes {
		parts = append(parts, describe(c))
	}
	return strings.Join(parts, "; ")
}
