package pipeline

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/botmarket/settlement"
)

// completionRequestSchema gates raw request bodies before they are
// unmarshalled. Field-level semantic checks happen afterwards in
// ValidateCompletionRequest; this layer only rejects structurally
// malformed documents.
const completionRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["jobId", "machineId", "serviceType", "startedAt", "completedAt"],
	"properties": {
		"jobId": {"type": "integer", "minimum": 1},
		"machineId": {"type": "string", "minLength": 1},
		"controller": {"type": "string"},
		"serviceType": {"type": "string"},
		"jobSpecHash": {"type": "string"},
		"startedAt": {"type": "integer", "minimum": 0},
		"completedAt": {"type": "integer", "minimum": 0},
		"routeDigest": {"type": "string"},
		"artifacts": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["kind", "digest"],
				"properties": {
					"kind": {"type": "string", "minLength": 1},
					"digest": {"type": "string", "minLength": 1},
					"url": {"type": "string"}
				}
			}
		},
		"inspection": {
			"type": "object",
			"required": ["coverageVisited", "coverageTotal"],
			"properties": {
				"coverageVisited": {"type": "integer", "minimum": 0},
				"coverageTotal": {"type": "integer", "minimum": 0}
			}
		},
		"patrol": {
			"type": "object",
			"required": ["checkpointsVisited", "avgDwellSeconds"],
			"properties": {
				"checkpointsExpected": {"type": "array", "items": {"type": "string"}},
				"checkpointsVisited": {"type": "array", "items": {"type": "string"}},
				"avgDwellSeconds": {"type": "number", "minimum": 0}
			}
		},
		"delivery": {
			"type": "object",
			"required": ["pickupProof", "dropoffProof"],
			"properties": {
				"pickupProof": {"type": "string", "minLength": 1},
				"dropoffProof": {"type": "string", "minLength": 1}
			}
		},
		"signature": {"type": "string"},
		"deadline": {"type": "integer"},
		"qualityScore": {"type": "integer"},
		"workUnits": {"type": "integer"}
	}
}`

var requestSchemaLoader = gojsonschema.NewStringLoader(completionRequestSchema)

// validateSchema checks rawBody against the completion request schema and
// returns a client-class SCHEMA_INVALID error listing every violation.
func validateSchema(rawBody []byte) error {
	result, err := gojsonschema.Validate(requestSchemaLoader, gojsonschema.NewBytesLoader(rawBody))
	if err != nil {
		return settlement.NewPipelineError(settlement.ClassClient, settlement.ErrCodeSchemaInvalid,
			fmt.Sprintf("request is not valid JSON: %v", err), nil)
	}
	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return settlement.NewPipelineError(settlement.ClassClient, settlement.ErrCodeSchemaInvalid,
		"request failed schema validation: "+strings.Join(violations, "; "),
		map[string]any{"violations": violations})
}
