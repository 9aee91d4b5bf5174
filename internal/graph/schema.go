package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// responseSchemaJSON is the contract every model reply must satisfy. It is
// embedded verbatim in the system instruction and enforced with gojsonschema
// before any merge, so prompt and validation can never drift apart.
const responseSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["node_name", "summary"],
        "properties": {
          "node_name": {"type": "string", "minLength": 1},
          "summary": {"type": "string"},
          "speaker_id": {"type": ["string", "null"]},
          "source_excerpt": {"type": ["string", "null"]},
          "predecessor": {"type": ["string", "null"]},
          "successor": {"type": ["string", "null"]},
          "edge_relations": {
            "type": ["array", "null"],
            "items": {
              "type": "object",
              "required": ["related_node", "relation_type"],
              "properties": {
                "related_node": {"type": "string", "minLength": 1},
                "relation_type": {
                  "enum": ["supports", "rebuts", "clarifies", "asks", "tangent", "return_to_thread", "contextual", "temporal_next"]
                },
                "relation_text": {"type": ["string", "null"]}
              }
            }
          },
          "is_bookmark": {"type": ["boolean", "null"]},
          "is_contextual_progress": {"type": ["boolean", "null"]}
        }
      }
    },
    "chunk_dict": {
      "type": ["object", "null"],
      "additionalProperties": {"type": "string"}
    }
  }
}`

var responseSchema = mustCompileSchema()

func mustCompileSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(responseSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("graph: compile response schema: %v", err))
	}
	return s
}

// response is a decoded, schema-valid model reply. JSON nulls decode to zero
// values, so "not provided" and "null" collapse into the empty string.
type response struct {
	Nodes     []nodeResult      `json:"nodes"`
	ChunkDict map[string]string `json:"chunk_dict"`
}

// nodeResult is one node as the model returned it, before merging.
type nodeResult struct {
	NodeName             string       `json:"node_name"`
	Summary              string       `json:"summary"`
	SpeakerID            string       `json:"speaker_id"`
	SourceExcerpt        string       `json:"source_excerpt"`
	Predecessor          string       `json:"predecessor"`
	Successor            string       `json:"successor"`
	EdgeRelations        []edgeResult `json:"edge_relations"`
	IsBookmark           bool         `json:"is_bookmark"`
	IsContextualProgress bool         `json:"is_contextual_progress"`
}

type edgeResult struct {
	RelatedNode  string `json:"related_node"`
	RelationType string `json:"relation_type"`
	RelationText string `json:"relation_text"`
}

// parseResponse strips markdown fences, validates the reply against the
// response schema and decodes it. Schema violations count as parse failures
// so the caller's retry rule treats malformed JSON and wrong shapes alike.
func parseResponse(content string) (*response, error) {
	cleaned := stripMarkdown(content)
	if cleaned == "" {
		return nil, errors.New("graph: empty response")
	}

	result, err := responseSchema.Validate(gojsonschema.NewStringLoader(cleaned))
	if err != nil {
		return nil, fmt.Errorf("graph: parse response: %w", err)
	}
	if !result.Valid() {
		errs := make([]error, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			errs = append(errs, errors.New(re.String()))
		}
		return nil, fmt.Errorf("graph: response violates schema: %w", errors.Join(errs...))
	}

	var r response
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return nil, fmt.Errorf("graph: decode response: %w", err)
	}
	return &r, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output despite instructions.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
