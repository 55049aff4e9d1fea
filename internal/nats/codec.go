package nats

import (
	"encoding/json"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

// stencilState is the JSON document stored in the stencil bucket. The
// revision lives in the KV entry, not the document.
type stencilState struct {
	ID       string         `json:"id"`
	Template []int          `json:"template"`
	Head     []int          `json:"head"`
	State    string         `json:"state"`
	OpenJobs []core.OpenJob `json:"open_jobs"`
	Weight   int            `json:"crossing_num"`
	Rep      string         `json:"str_rep"`
}

func stencilToState(s core.Stencil) *stencilState {
	openJobs := s.OpenJobs
	if openJobs == nil {
		openJobs = []core.OpenJob{}
	}
	return &stencilState{
		ID:       s.ID,
		Template: s.Template,
		Head:     s.Head,
		State:    string(s.State),
		OpenJobs: openJobs,
		Weight:   s.Weight(),
		Rep:      s.Rep(),
	}
}

func stateToStencil(st *stencilState, revision uint64) core.Stencil {
	return core.Stencil{
		ID:       st.ID,
		Template: st.Template,
		Head:     st.Head,
		State:    core.StencilState(st.State),
		OpenJobs: st.OpenJobs,
		Revision: revision,
	}
}

func marshalStencil(s core.Stencil) ([]byte, error) {
	return json.Marshal(stencilToState(s))
}

func unmarshalStencil(data []byte, revision uint64) (core.Stencil, error) {
	var st stencilState
	if err := json.Unmarshal(data, &st); err != nil {
		return core.Stencil{}, err
	}
	return stateToStencil(&st, revision), nil
}

// candidateDoc mirrors the stored candidate fields.
type candidateDoc struct {
	ID         string `json:"id"`
	Weight     int    `json:"crossing_num"`
	InInterval bool   `json:"in_unit_interval"`
}

// resultDoc is one stored artifact.
type resultDoc struct {
	ID            string `json:"id"`
	Weight        int    `json:"crossing_num"`
	ParentStencil string `json:"parent_stencil"`
}

func (d resultDoc) record() core.ResultRecord {
	return core.ResultRecord{ID: d.ID, Weight: d.Weight, ParentStencil: d.ParentStencil}
}
