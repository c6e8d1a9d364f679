package feed

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const pageSchema = `{
  "type": "object",
  "required": ["submissions"],
  "properties": {
    "submissions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "titleSlug", "status", "timestamp"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "titleSlug": {"type": "string", "minLength": 1},
          "status": {"type": "string", "minLength": 1},
          "timestamp": {"type": "integer", "minimum": 1}
        }
      }
    },
    "nextCursor": {"type": ["string", "null"]},
    "totalCount": {"type": ["integer", "null"], "minimum": 0}
  }
}`

const statusSchema = `{
  "type": "object",
  "required": ["state"],
  "properties": {"state": {"type": "string", "minLength": 1}}
}`

const subjectSchema = `{
  "type": "object",
  "required": ["title", "difficulty"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "difficulty": {"enum": ["Easy", "Medium", "Hard"]},
    "isPaidOnly": {"type": "boolean"}
  }
}`

const noteSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {"content": {"type": "string"}}
}`

const detailSchema = `{
  "type": "object",
  "required": ["code"],
  "properties": {"code": {"type": "string", "minLength": 1}}
}`

const sessionSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {"id": {"type": "string", "minLength": 1}}
}`

// validator checks a response body before it is decoded.
type validator func(body []byte) error

func mustCompile(name, source string) validator {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("feed: schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("feed: schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("feed: schema %s: %v", name, err))
	}
	return func(body []byte) error {
		if len(bytes.TrimSpace(body)) == 0 {
			return fmt.Errorf("%w: empty body", ErrImplausible)
		}
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrImplausible, err)
		}
		if err := schema.Validate(inst); err != nil {
			return fmt.Errorf("%w: %v", ErrImplausible, err)
		}
		return nil
	}
}

var (
	validatePage    = mustCompile("page.json", pageSchema)
	validateStatus  = mustCompile("status.json", statusSchema)
	validateSubject = mustCompile("subject.json", subjectSchema)
	validateNote    = mustCompile("note.json", noteSchema)
	validateDetail  = mustCompile("detail.json", detailSchema)
	validateSession = mustCompile("session.json", sessionSchema)
)
