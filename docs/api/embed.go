// Package apidocs embeds the OpenAPI description of the tunnel's HTTP
// surface.
package apidocs

import _ "embed"

//go:embed openapi.yaml
var Spec []byte
