package core

import (
	"testing"
)

func TestSlotCapacity(t *testing.T) {
	tests := []struct {
		weight, pageExp, want int
	}{
		{10, 0, 8},
		{10, 3, 5},
		{3, 0, 1},
		{3, 1, 0},
		{2, 4, 0},
	}
	for _, tt := range tests {
		if got := SlotCapacity(tt.weight, tt.pageExp); got != tt.want {
			t.Errorf("SlotCapacity(%d, %d) = %d, want %d", tt.weight, tt.pageExp, got, tt.want)
		}
	}
}

func TestStencilAdvance_OdometerOrder(t *testing.T) {
	s := NewStencil("s1", []int{4, 4})
	// capacity 2 per slot at page exponent 0
	want := [][]int{{1, 0}, {2, 0}, {0, 1}, {1, 1}, {2, 1}, {0, 2}, {1, 2}, {2, 2}}
	for i, w := range want {
		if got := s.Advance(0); got != Headroom {
			t.Fatalf("step %d: Advance() = %v, want headroom", i, got)
		}
		if s.Head[0] != w[0] || s.Head[1] != w[1] {
			t.Fatalf("step %d: head = %v, want %v", i, s.Head, w)
		}
	}
	if got := s.Advance(0); got != NoHeadroom {
		t.Fatalf("final Advance() = %v, want no_headroom", got)
	}
	if s.Head[0] != 4 || s.Head[1] != 4 {
		t.Errorf("exhausted head = %v, want template", s.Head)
	}
	if s.State != StencilNoHeadroom {
		t.Errorf("State = %q, want %q", s.State, StencilNoHeadroom)
	}
}

func TestStencilAdvance_TerminatesWithinCapacityProduct(t *testing.T) {
	for pageExp := 0; pageExp <= 9; pageExp++ {
		s := NewStencil("s", []int{10, 10})
		c := SlotCapacity(10, pageExp)
		bound := (c + 1) * (c + 1)

		steps := 0
		for {
			steps++
			if steps > bound {
				t.Fatalf("pageExp=%d: no_headroom not reached within %d steps", pageExp, bound)
			}
			state := s.Advance(pageExp)
			for i, h := range s.Head {
				if h < 0 || h > s.Template[i] {
					t.Fatalf("pageExp=%d: head[%d] = %d out of range", pageExp, i, h)
				}
			}
			if state == NoHeadroom {
				break
			}
		}
		if steps != bound {
			t.Errorf("pageExp=%d: reached no_headroom after %d steps, want %d", pageExp, steps, bound)
		}
	}
}

func TestStencilAdvance_ExhaustedStaysExhausted(t *testing.T) {
	s := NewStencil("s", []int{3})
	s.Advance(0)
	if got := s.Advance(0); got != NoHeadroom {
		t.Fatalf("Advance() = %v, want no_headroom", got)
	}
	if got := s.Advance(0); got != NoHeadroom {
		t.Errorf("Advance() after exhaustion = %v, want no_headroom", got)
	}
	if s.Head[0] != 3 {
		t.Errorf("head = %v, want sentinel [3]", s.Head)
	}
}

func TestStencilWeightAndRep(t *testing.T) {
	s := NewStencil("s", []int{3, 5, 7})
	if got := s.Weight(); got != 15 {
		t.Errorf("Weight() = %d, want 15", got)
	}
	if got := s.Rep(); got != "3 5 7" {
		t.Errorf("Rep() = %q, want %q", got, "3 5 7")
	}
}

func TestStencilResolveOpenJob(t *testing.T) {
	s := NewStencil("s", []int{3})
	s.AddOpenJob("j1", []int{0})
	s.AddOpenJob("j2", []int{1})
	s.State = StencilNoHeadroom

	if !s.ResolveOpenJob("j1") {
		t.Fatal("ResolveOpenJob(j1) = false, want true")
	}
	if s.State != StencilNoHeadroom {
		t.Errorf("State = %q with a job still open, want %q", s.State, StencilNoHeadroom)
	}
	if s.ResolveOpenJob("missing") {
		t.Error("ResolveOpenJob(missing) = true, want false")
	}
	if !s.ResolveOpenJob("j2") {
		t.Fatal("ResolveOpenJob(j2) = false, want true")
	}
	if s.State != StencilComplete {
		t.Errorf("State = %q, want %q", s.State, StencilComplete)
	}
	if len(s.OpenJobs) != 0 {
		t.Errorf("OpenJobs = %v, want empty", s.OpenJobs)
	}
}

func TestStencilResolveOpenJob_StartedStaysStarted(t *testing.T) {
	s := NewStencil("s", []int{3})
	s.State = StencilStarted
	s.AddOpenJob("j1", []int{0})
	s.ResolveOpenJob("j1")
	if s.State != StencilStarted {
		t.Errorf("State = %q, want %q", s.State, StencilStarted)
	}
}

func TestStencilClone_Independent(t *testing.T) {
	s := NewStencil("s", []int{3, 4})
	s.AddOpenJob("j1", []int{0, 0})
	c := s.Clone()
	c.Head[0] = 9
	c.OpenJobs[0].Cursor[0] = 9
	if s.Head[0] != 0 || s.OpenJobs[0].Cursor[0] != 0 {
		t.Error("Clone() shares memory with the original")
	}
}

func TestAddOpenJob_CopiesCursor(t *testing.T) {
	s := NewStencil("s", []int{3})
	s.AddOpenJob("j1", s.Head)
	s.Advance(0)
	if s.OpenJobs[0].Cursor[0] != 0 {
		t.Errorf("open job cursor = %v, want snapshot [0]", s.OpenJobs[0].Cursor)
	}
}
