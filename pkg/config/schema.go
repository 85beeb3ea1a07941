package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const duration = `{"type": ["string", "number"]}`

// configSchema describes the shape of a config file. Value ranges are
// left to Validate; the schema only rejects unknown keys and wrong types.
var configSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "_metadata": {"type": "object"},
    "pool": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "min_connections": {"type": "integer"},
        "max_connections": {"type": "integer"},
        "acquire_timeout": ` + duration + `,
        "validation_timeout": ` + duration + `,
        "retry_attempts": {"type": "integer"},
        "retry_delay": ` + duration + `,
        "health_check_interval": ` + duration + `,
        "connection_max_age": ` + duration + `,
        "max_error_count": {"type": "integer"},
        "leak_threshold": ` + duration + `,
        "enable_statistics": {"type": "boolean"},
        "enable_leak_detection": {"type": "boolean"}
      }
    },
    "database": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "driver": {"type": "string", "enum": ["sqlite3", "postgres"]},
        "path": {"type": "string"},
        "dsn": {"type": "string"},
        "busy_timeout": ` + duration + `,
        "journal_mode": {"type": "string"},
        "synchronous": {"type": "string"},
        "cache_size": {"type": "integer"},
        "temp_store": {"type": "string"},
        "foreign_keys": {"type": "boolean"}
      }
    },
    "monitoring": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "collection_interval": ` + duration + `,
        "history_size": {"type": "integer"},
        "alerts_enabled": {"type": "boolean"},
        "export_interval": ` + duration + `,
        "export_directory": {"type": "string"},
        "persist_path": {"type": "string"},
        "retention": ` + duration + `,
        "thresholds": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "utilization": {"type": "number"},
            "borrow_time": ` + duration + `,
            "validation_failure_rate": {"type": "number"},
            "timeout_rate": {"type": "number"},
            "pool_exhaustion": {"type": "number"},
            "connection_error_rate": {"type": "number"}
          }
        }
      }
    },
    "application": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string"},
        "environment": {"type": "string"},
        "debug": {"type": "boolean"},
        "host": {"type": "string"},
        "port": {"type": "integer"},
        "request_timeout": ` + duration + `,
        "session_timeout": ` + duration + `
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string"},
        "format": {"type": "string"},
        "output_file": {"type": "string"}
      }
    },
    "tracing": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"},
        "exporter": {"type": "string"},
        "endpoint": {"type": "string"},
        "sample_rate": {"type": "number"}
      }
    },
    "admin": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "address": {"type": "string"},
        "port": {"type": "integer"}
      }
    },
    "shutdown": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "timeout": ` + duration + `,
        "pool_drain_timeout": ` + duration + `
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(configSchema)

// ValidateDocument checks a decoded config document against the schema
func ValidateDocument(doc map[string]interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return &ConfigurationError{Err: fmt.Errorf("failed to encode document: %w", err)}
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &ConfigurationError{Err: fmt.Errorf("schema validation failed: %w", err)}
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// ValidateFile decodes a yaml or json config file and checks it against
// the schema
func ValidateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigurationError{Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	doc := make(map[string]interface{})
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &doc)
	default:
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return &ConfigurationError{Err: fmt.Errorf("failed to parse %s: %w", path, err)}
	}
	return ValidateDocument(doc)
}
