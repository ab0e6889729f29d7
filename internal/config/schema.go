package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema describes the settings file.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
	}
	s := reflector.Reflect(&Settings{})
	if s.Version == "" {
		s.Version = jsonschema.Version
	}
	s.Title = "bundlewatch settings"
	return s
}

func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
