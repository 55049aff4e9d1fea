package core

// Candidate is a building block a job slot draws from. Only candidates with
// InInterval set are handed to workers.
type Candidate struct {
	ID         string `json:"id"`
	Weight     int    `json:"weight"`
	InInterval bool   `json:"in_interval"`
}

// ResultRecord is one artifact reported by a worker.
type ResultRecord struct {
	ID            string `json:"id"`
	Weight        int    `json:"weight"`
	ParentStencil string `json:"parent_stencil"`
}

// ListCursor is the position after the last item of a listing page.
// Candidate and result listings are both ordered by weight, then id.
type ListCursor struct {
	Weight int    `json:"w"`
	ID     string `json:"id"`
}

// Less orders candidates by weight, then id.
func (c Candidate) Less(other Candidate) bool {
	if c.Weight != other.Weight {
		return c.Weight < other.Weight
	}
	return c.ID < other.ID
}

// Less orders result records by weight, then id.
func (r ResultRecord) Less(other ResultRecord) bool {
	if r.Weight != other.Weight {
		return r.Weight < other.Weight
	}
	return r.ID < other.ID
}

// After reports whether the item at (weight, id) sorts strictly after the
// cursor position.
func (cur ListCursor) After(weight int, id string) bool {
	if weight != cur.Weight {
		return weight > cur.Weight
	}
	return id > cur.ID
}
