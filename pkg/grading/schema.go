package grading

const alertDef = `{
  "type": "object",
  "required": ["id", "timestamp", "source_kind", "signal", "message", "severity"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "seq": {"type": "integer", "minimum": 0},
    "timestamp": {"type": "string", "format": "date-time"},
    "source_kind": {"enum": ["visibility", "input", "fullscreen", "geometry", "click", "camera"]},
    "signal": {"type": "string", "minLength": 1},
    "message": {"type": "string"},
    "severity": {"enum": ["LOW", "MEDIUM", "HIGH"]},
    "class": {"type": "string"},
    "rule_id": {"type": "string"}
  }
}`

const submissionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["session_id", "student_id", "reason", "submitted_at", "time_remaining", "flagged", "alert_log", "violation_counts"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "student_id": {"type": "string", "minLength": 1},
    "reason": {"enum": ["voluntary", "timeout", "aborted"]},
    "submitted_at": {"type": "string", "format": "date-time"},
    "time_remaining": {"type": "integer", "minimum": 0},
    "flagged": {"type": "boolean"},
    "alert_log": {"type": ["array", "null"], "items": ` + alertDef + `},
    "violation_counts": {
      "type": ["object", "null"],
      "propertyNames": {"enum": ["visibility", "input", "fullscreen", "geometry", "click", "camera"]},
      "additionalProperties": {"type": "integer", "minimum": 0}
    }
  }
}`

const flagSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["session_id", "student_id", "flagged_at", "reason"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "student_id": {"type": "string", "minLength": 1},
    "flagged_at": {"type": "string", "format": "date-time"},
    "reason": {"type": "string", "minLength": 1},
    "alert": ` + alertDef + `
  }
}`
