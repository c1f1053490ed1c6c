package web

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"

	"actiongate/internal/failure"
)

//go:embed schemas/prepare_request.json
var prepareRequestSchema []byte

var prepareSchema = gojsonschema.NewBytesLoader(prepareRequestSchema)

// validatePrepareBody checks the raw request against the prepare schema
// before it is decoded into a plan.
func validatePrepareBody(body []byte) error {
	result, err := gojsonschema.Validate(prepareSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return failure.New(failure.ValidationError, "invalid json: %v", err)
	}
	if result.Valid() {
		return nil
	}
	errs := result.Errors()
	sort.Slice(errs, func(i, j int) bool { return errs[i].Field() < errs[j].Field() })
	fe := failure.New(failure.ValidationError, "request does not match schema: %s", errs[0].String())
	for _, e := range errs {
		fe = fe.With(e.Field(), e.Description())
	}
	if len(errs) > 1 {
		fe.Message = fmt.Sprintf("%s (and %d more)", fe.Message, len(errs)-1)
	}
	return fe
}
