package gbl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/firmware"
)

// Metadata is the NabuCasa metadata document embedded in a GBL metadata
// record. It describes what the image contains so the flasher can enforce
// its upgrade policy without flashing first.
type Metadata struct {
	MetadataVersion int    `json:"metadata_version"`
	SDKVersion      string `json:"sdk_version"`
	EZSPVersion     string `json:"ezsp_version,omitempty"`
	FWType          string `json:"fw_type"`
	Baudrate        int    `json:"baudrate,omitempty"`
}

const metadataSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"metadata_version": {"type": "integer", "minimum": 1},
		"sdk_version": {"type": "string"},
		"ezsp_version": {"type": "string"},
		"fw_type": {"type": "string"},
		"baudrate": {"type": "integer", "minimum": 1200}
	},
	"required": ["metadata_version"],
	"additionalProperties": true
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledMetadataSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(metadataSchema), &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal metadata schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("metadata.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("metadata.json")
	})
	return compiledSchema, schemaErr
}

// Metadata extracts and validates the NabuCasa metadata document from the
// image's metadata records. Returns ErrMissingMetadata when no record holds
// a JSON document.
func (im *Image) Metadata() (*Metadata, error) {
	for _, s := range im.sections {
		if s.Tag != TagMetadata {
			continue
		}
		doc := extractJSON(s.Data)
		if doc == nil {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal(doc, &payload); err != nil {
			return nil, fmt.Errorf("%w: invalid metadata JSON: %v", ErrMissingMetadata, err)
		}

		schema, err := compiledMetadataSchema()
		if err != nil {
			return nil, err
		}
		if err := schema.Validate(payload); err != nil {
			return nil, fmt.Errorf("%w: metadata failed schema validation: %v", ErrMissingMetadata, err)
		}

		var md Metadata
		if err := json.Unmarshal(doc, &md); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingMetadata, err)
		}
		return &md, nil
	}
	return nil, ErrMissingMetadata
}

// Version returns the version the image should be compared against for the
// given running application: the EZSP stack version when flashing an EZSP
// target that declares one, otherwise the SDK version.
func (im *Image) Version(running firmware.ApplicationType) (firmware.Version, error) {
	md, err := im.Metadata()
	if err != nil {
		return firmware.Version{}, err
	}
	s := md.SDKVersion
	if running == firmware.AppEZSP && md.EZSPVersion != "" {
		s = md.EZSPVersion
	}
	if s == "" {
		return firmware.Version{}, fmt.Errorf("%w: metadata has no version", ErrMissingMetadata)
	}
	return firmware.ParseVersion(s)
}

// extractJSON locates a JSON object inside a metadata payload. The record
// may carry leading vendor bytes or trailing padding around the document.
func extractJSON(data []byte) []byte {
	start := bytes.IndexByte(data, '{')
	end := bytes.LastIndexByte(data, '}')
	if start < 0 || end <= start {
		return nil
	}
	return data[start : end+1]
}
