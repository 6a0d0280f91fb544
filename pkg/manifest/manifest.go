// Package manifest loads job manifests: YAML or JSON files describing one or
// more jobs to submit in a batch.
//
// Manifests are validated against an embedded JSON Schema before they are
// decoded, so unknown keys and malformed values fail loudly instead of being
// dropped.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	buyer_id: acme
//	defaults:
//	  required_cores: 2
//	  required_ram_mb: 4096
//	jobs:
//	  - title: render-frame-1
//	    command: ./render.sh 1
//	  - title: train
//	    code_file: train.sh
//	    required_cores: 8
//	    parameters:
//	      epochs: 10
package manifest

import (
	"github.com/HarrisonFulford/cacheout/pkg/model"
)

// DefaultVersion is the only manifest version understood.
const DefaultVersion = "1.0"

// Default resources for jobs that set neither their own nor a manifest
// default.
const (
	DefaultCores = 1
	DefaultRAMMB = 1024
)

// Manifest is a validated batch of jobs.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	Version string `json:"version" yaml:"version"`

	// BuyerID is charged for jobs that do not name a buyer.
	BuyerID string `json:"buyer_id,omitempty" yaml:"buyer_id,omitempty"`

	Defaults Resources `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	Jobs []Job `json:"jobs" yaml:"jobs"`
}

// Resources is the per-job shape shared by defaults and entries.
type Resources struct {
	Priority      *int `json:"priority,omitempty" yaml:"priority,omitempty"`
	RequiredCores int  `json:"required_cores,omitempty" yaml:"required_cores,omitempty"`
	RequiredRAMMB int  `json:"required_ram_mb,omitempty" yaml:"required_ram_mb,omitempty"`
}

// Job is one manifest entry.
type Job struct {
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Command     string `json:"command,omitempty" yaml:"command,omitempty"`
	Code        string `json:"code,omitempty" yaml:"code,omitempty"`

	// CodeFile is resolved relative to the manifest and replaced by Code
	// during loading.
	CodeFile string `json:"code_file,omitempty" yaml:"code_file,omitempty"`

	BuyerID string `json:"buyer_id,omitempty" yaml:"buyer_id,omitempty"`

	Resources `yaml:",inline"`

	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ApplyDefaults fills unset job fields from the manifest defaults.
func (m *Manifest) ApplyDefaults() {
	for i := range m.Jobs {
		j := &m.Jobs[i]
		if j.BuyerID == "" {
			j.BuyerID = m.BuyerID
		}
		if j.Priority == nil && m.Defaults.Priority != nil {
			p := *m.Defaults.Priority
			j.Priority = &p
		}
		if j.RequiredCores == 0 {
			j.RequiredCores = m.Defaults.RequiredCores
		}
		if j.RequiredCores == 0 {
			j.RequiredCores = DefaultCores
		}
		if j.RequiredRAMMB == 0 {
			j.RequiredRAMMB = m.Defaults.RequiredRAMMB
		}
		if j.RequiredRAMMB == 0 {
			j.RequiredRAMMB = DefaultRAMMB
		}
	}
}

// Specs converts the manifest into submission requests, in file order.
func (m *Manifest) Specs() []model.JobSpec {
	specs := make([]model.JobSpec, 0, len(m.Jobs))
	for _, j := range m.Jobs {
		spec := model.JobSpec{
			Title:         j.Title,
			Description:   j.Description,
			Code:          j.Code,
			Command:       j.Command,
			RequiredCores: j.RequiredCores,
			RequiredRAMMB: j.RequiredRAMMB,
			Parameters:    j.Parameters,
			BuyerID:       j.BuyerID,
		}
		if j.Priority != nil {
			spec.Priority = *j.Priority
		}
		specs = append(specs, spec)
	}
	return specs
}
