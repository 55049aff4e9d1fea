package core

import (
	"strconv"
	"strings"
)

// StencilState tracks how far a stencil's enumeration has progressed.
type StencilState string

const (
	StencilNew        StencilState = "new"
	StencilStarted    StencilState = "started"
	StencilNoHeadroom StencilState = "no_headroom"
	StencilComplete   StencilState = "complete"
)

// HeadState is the outcome of advancing a stencil head.
type HeadState int

const (
	Headroom HeadState = iota
	NoHeadroom
)

func (h HeadState) String() string {
	if h == NoHeadroom {
		return "no_headroom"
	}
	return "headroom"
}

// OpenJob records a live job built from a stencil and the head it used.
type OpenJob struct {
	JobID  string `json:"job_id" bson:"job_id"`
	Cursor []int  `json:"cursor" bson:"cursor"`
}

// Stencil describes one region of the candidate space. Template[i] is the
// weight of slot i and Head[i] the page of that slot's candidates the next
// job will draw from.
type Stencil struct {
	ID       string       `json:"id"`
	Template []int        `json:"template"`
	Head     []int        `json:"head"`
	State    StencilState `json:"state"`
	OpenJobs []OpenJob    `json:"open_jobs"`

	// Revision is assigned by the store and checked on update.
	Revision uint64 `json:"-"`
}

// NewStencil returns a fresh stencil with its head at the origin.
func NewStencil(id string, template []int) Stencil {
	return Stencil{
		ID:       id,
		Template: append([]int(nil), template...),
		Head:     make([]int, len(template)),
		State:    StencilNew,
		OpenJobs: []OpenJob{},
	}
}

// SlotCapacity is the highest page index a slot of the given weight can
// reach when pages hold 2^pageExp candidates.
func SlotCapacity(weight, pageExp int) int {
	return max(0, weight-2-pageExp)
}

// Advance moves the head one step like an odometer, slot 0 least
// significant. When every slot overflows the head is set to the template
// and the stencil becomes no_headroom.
func (s *Stencil) Advance(pageExp int) HeadState {
	if s.State == StencilNoHeadroom || s.State == StencilComplete {
		return NoHeadroom
	}
	overflow := true
	for i, weight := range s.Template {
		if overflow {
			s.Head[i]++
			overflow = false
		}
		if SlotCapacity(weight, pageExp) < s.Head[i] {
			s.Head[i] = 0
			overflow = true
		} else {
			break
		}
	}
	if overflow {
		copy(s.Head, s.Template)
		s.State = StencilNoHeadroom
		return NoHeadroom
	}
	return Headroom
}

// Weight is the crossing number of every job built from the stencil.
func (s *Stencil) Weight() int {
	total := 0
	for _, w := range s.Template {
		total += w
	}
	return total
}

// Rep is the space-separated template, used as the stencil's back-reference
// on stored results.
func (s *Stencil) Rep() string {
	parts := make([]string, len(s.Template))
	for i, w := range s.Template {
		parts[i] = strconv.Itoa(w)
	}
	return strings.Join(parts, " ")
}

// Eligible reports whether the stencil may still produce jobs.
func (s *Stencil) Eligible() bool {
	return s.State == StencilNew || s.State == StencilStarted
}

// AddOpenJob records a job built from cursor.
func (s *Stencil) AddOpenJob(jobID string, cursor []int) {
	s.OpenJobs = append(s.OpenJobs, OpenJob{JobID: jobID, Cursor: append([]int(nil), cursor...)})
}

// ResolveOpenJob drops jobID from the open set and completes an exhausted
// stencil once nothing remains open. It reports whether jobID was found.
func (s *Stencil) ResolveOpenJob(jobID string) bool {
	found := false
	for i, oj := range s.OpenJobs {
		if oj.JobID == jobID {
			s.OpenJobs = append(s.OpenJobs[:i], s.OpenJobs[i+1:]...)
			found = true
			break
		}
	}
	if s.State == StencilNoHeadroom && len(s.OpenJobs) == 0 {
		s.State = StencilComplete
	}
	return found
}

// Clone returns a deep copy.
func (s Stencil) Clone() Stencil {
	c := s
	c.Template = append([]int(nil), s.Template...)
	c.Head = append([]int(nil), s.Head...)
	c.OpenJobs = make([]OpenJob, len(s.OpenJobs))
	for i, oj := range s.OpenJobs {
		c.OpenJobs[i] = OpenJob{JobID: oj.JobID, Cursor: append([]int(nil), oj.Cursor...)}
	}
	return c
}
