// Package montesinos builds Montesinos enumeration jobs from stencils and
// stores the tangles workers report back.
package montesinos

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

// Payload is the work handed to a worker: one page of candidate ids per
// stencil slot.
type Payload struct {
	CrossingNum int        `json:"crossing_num"`
	StencilID   string     `json:"stencil_id"`
	Stencil     string     `json:"stencil"`
	Cursor      []int      `json:"cursor"`
	RatLists    [][]string `json:"rat_lists"`
}

func (Payload) Kind() core.Kind { return core.KindMontesinos }

// Results is a worker's report: the Montesinos tangles found for a job.
type Results struct {
	ID       string   `json:"job_id" validate:"required"`
	MontList []string `json:"mont_list" validate:"dive,required"`
}

func (r Results) JobID() string { return r.ID }

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeResults parses a report body.
func DecodeResults(data []byte) (*Results, error) {
	var r Results
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode montesinos results: %w", err)
	}
	if err := validate.Struct(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// records turns a report into result rows, dropping duplicate ids.
func records(p *Payload, r *Results) []core.ResultRecord {
	seen := make(map[string]struct{}, len(r.MontList))
	out := make([]core.ResultRecord, 0, len(r.MontList))
	for _, id := range r.MontList {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, core.ResultRecord{ID: id, Weight: p.CrossingNum, ParentStencil: p.Stencil})
	}
	return out
}
