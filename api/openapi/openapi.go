// Package openapi embeds the HTTP API description.
package openapi

import _ "embed"

// Spec is the OpenAPI 3 document served at /api/v1/openapi.yaml.
//
//go:embed openapi.yaml
var Spec []byte
