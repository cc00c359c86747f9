package apidocs

import (
	"context"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
)

func TestOpenAPISpec_Validates(t *testing.T) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(Spec)
	if err != nil {
		t.Fatalf("failed to load OpenAPI spec: %v", err)
	}

	if err := doc.Validate(context.Background()); err != nil {
		t.Fatalf("OpenAPI validation failed: %v", err)
	}

	for _, path := range []string{"/tunnel", "/health", "/runtime-info", "/build-info"} {
		if doc.Paths.Find(path) == nil {
			t.Errorf("spec is missing %s", path)
		}
	}
}
