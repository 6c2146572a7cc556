package config

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

//go:embed schema.cue
var schemaSrc string

// Validate checks the resolved configuration against the embedded CUE
// schema. The document has already been decoded, so this catches range and
// type violations (a note of 300, a negative window) with the offending
// path in the message.
func (c *Config) Validate() error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("internal: compiling config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("internal: config schema has no #Config: %w", err)
	}

	// Round-trip through JSON: map keys become strings and only schema-known
	// shapes remain, which is exactly what the schema constrains.
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("internal: encoding config for validation: %w", err)
	}
	expr, err := cuejson.Extract("config", data)
	if err != nil {
		return fmt.Errorf("internal: extracting config for validation: %w", err)
	}
	doc := ctx.BuildExpr(expr)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("internal: building config value: %w", err)
	}

	unified := def.Unify(doc)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return &ConfigError{
			Policy:  policyFromCUEError(err),
			Message: cueerrors.Details(err, nil),
		}
	}
	return nil
}

// policyFromCUEError pulls the top-level section name out of a CUE error
// path so the failure names the offending policy, not just a path string.
func policyFromCUEError(err error) string {
	for _, e := range cueerrors.Errors(err) {
		if p := e.Path(); len(p) > 0 {
			return p[0]
		}
	}
	return "config"
}
