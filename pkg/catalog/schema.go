package catalog

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Catalog documents are validated against these schemas at load time so a
// malformed pack or profile never reaches the engine.

const packSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["pack_id", "industry", "rules"],
  "properties": {
    "pack_id": {"type": "string", "minLength": 1},
    "industry": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "version": {"type": "string"},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["rule_id", "summary", "citations", "trigger", "actions"],
        "properties": {
          "rule_id": {"type": "string", "minLength": 1},
          "summary": {"type": "string"},
          "citations": {"type": "array", "items": {"type": "string"}},
          "trigger": {"type": "object"},
          "enforcement": {"enum": ["BLOCK_RELEASE", "WARN", "INFO"]},
          "severity": {"type": "string"},
          "actions": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["action", "object_type", "object_id"],
              "properties": {
                "action": {"enum": ["REQUIRE", "OPTIONAL", "PROHIBIT", "INSERT_STEP", "ESCALATE", "SET_RETENTION", "ADD_COST_MODIFIER", "ADD_GATE"]},
                "object_type": {"type": "string", "minLength": 1},
                "object_id": {"type": "string", "minLength": 1}
              }
            }
          }
        }
      }
    }
  }
}`

const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["profile_id", "profile_type", "default_packs", "state", "version"],
  "properties": {
    "profile_id": {"type": "string", "minLength": 1},
    "profile_type": {"enum": ["BASE", "DOMAIN", "CUSTOMER_OVERRIDE"]},
    "parent_profile_ids": {"type": "array", "items": {"type": "string"}},
    "default_packs": {"type": "array", "items": {"type": "string"}},
    "override_mode": {"enum": ["STRICT", "ADDITIVE", "REPLACE"]},
    "conflict_policy": {"enum": ["ERROR", "PARENT_WINS", "CHILD_WINS"]},
    "state": {"enum": ["draft", "submitted", "approved", "rejected", "deprecated"]},
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"}
  }
}`

const industrySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["industry_id", "default_packs"],
  "properties": {
    "industry_id": {"type": "string", "minLength": 1},
    "default_packs": {"type": "array", "items": {"type": "string"}},
    "default_profiles": {"type": "array", "items": {"type": "string"}},
    "risk_posture": {"type": "string"},
    "traceability_depth": {"type": "string"},
    "evidence_retention": {"type": "string"}
  }
}`

const bundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["bundle_id", "profile_ids"],
  "properties": {
    "bundle_id": {"type": "string", "minLength": 1},
    "profile_ids": {"type": "array", "minItems": 1, "items": {"type": "string"}}
  }
}`

type schemaSet struct {
	pack     *jsonschema.Schema
	profile  *jsonschema.Schema
	industry *jsonschema.Schema
	bundle   *jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	c := jsonschema.NewCompiler()
	for name, src := range map[string]string{
		"pack.schema.json":     packSchema,
		"profile.schema.json":  profileSchema,
		"industry.schema.json": industrySchema,
		"bundle.schema.json":   bundleSchema,
	} {
		if err := c.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("catalog: add schema %s: %w", name, err)
		}
	}
	s := &schemaSet{}
	var err error
	if s.pack, err = c.Compile("pack.schema.json"); err != nil {
		return nil, fmt.Errorf("catalog: compile pack schema: %w", err)
	}
	if s.profile, err = c.Compile("profile.schema.json"); err != nil {
		return nil, fmt.Errorf("catalog: compile profile schema: %w", err)
	}
	if s.industry, err = c.Compile("industry.schema.json"); err != nil {
		return nil, fmt.Errorf("catalog: compile industry schema: %w", err)
	}
	if s.bundle, err = c.Compile("bundle.schema.json"); err != nil {
		return nil, fmt.Errorf("catalog: compile bundle schema: %w", err)
	}
	return s, nil
}
