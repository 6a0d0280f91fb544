package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/HarrisonFulford/cacheout/internal/assets/schemas"
)

// SchemaID identifies the embedded job-manifest schema.
const SchemaID = "cacheout/v1.0.0/job-manifest"

var (
	ErrSchemaNotFound   = errors.New("manifest schema not found")
	ErrValidationFailed = errors.New("manifest validation failed")
)

var (
	compileOnce sync.Once
	compiled    *schema.Validator
	compileErr  error
)

// ValidationError is one problem found in a manifest.
type ValidationError struct {
	// Path is a JSON pointer such as "/jobs/0/required_cores".
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, fmt.Sprintf("manifest validation failed with %d errors:", len(e)))
	for _, v := range e {
		lines = append(lines, "  - "+v.Error())
	}
	return strings.Join(lines, "\n")
}

// Unwrap lets callers match ErrValidationFailed.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate runs the schema over m and then Check. Struct encoding drops
// unknown keys, so loaders use ValidateRaw on the original document.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}
	return m.Check()
}

// ValidateRaw checks a JSON document against the embedded schema.
func ValidateRaw(jsonData []byte) error {
	v, err := manifestSchema()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Check enforces the rules that need defaults applied first: every job is
// billed to someone and titles are unique within the batch so the printed
// job ids can be told apart.
func (m *Manifest) Check() error {
	var errs ValidationErrors
	seen := make(map[string]int, len(m.Jobs))
	for i, j := range m.Jobs {
		at := fmt.Sprintf("/jobs/%d", i)
		if strings.TrimSpace(j.BuyerID) == "" {
			errs = append(errs, ValidationError{Path: at + "/buyer_id", Message: "no buyer; set buyer_id on the job or the manifest"})
		}
		if j.Code == "" && j.Command == "" && j.CodeFile == "" {
			errs = append(errs, ValidationError{Path: at, Message: "one of command, code or code_file is required"})
		}
		if j.RequiredCores < 1 || j.RequiredRAMMB < 1 {
			errs = append(errs, ValidationError{Path: at, Message: "required_cores and required_ram_mb must be positive"})
		}
		if j.Title == "" {
			continue
		}
		if first, dup := seen[j.Title]; dup {
			errs = append(errs, ValidationError{Path: at + "/title", Message: fmt.Sprintf("duplicate title %q (also /jobs/%d)", j.Title, first)})
			continue
		}
		seen[j.Title] = i
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// SetDefaultBuyer bills every job without a buyer to id.
func (m *Manifest) SetDefaultBuyer(id string) {
	if id == "" {
		return
	}
	if m.BuyerID == "" {
		m.BuyerID = id
	}
	for i := range m.Jobs {
		if m.Jobs[i].BuyerID == "" {
			m.Jobs[i].BuyerID = id
		}
	}
}

func manifestSchema() (*schema.Validator, error) {
	compileOnce.Do(func() {
		if len(schemasassets.JobManifestSchema) == 0 {
			compileErr = fmt.Errorf("%w: embedded job-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		compiled, compileErr = schema.NewValidator(schemasassets.JobManifestSchema)
		if compileErr != nil {
			compileErr = fmt.Errorf("compile manifest schema: %w", compileErr)
		}
	})
	return compiled, compileErr
}
