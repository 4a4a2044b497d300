package cpu

// Set is the collection of cores that make up a machine.
type Set struct {
	cores []*Core
}

// NewSet returns a set of count cores numbered from 0. A machine always has
// at least one core.
func NewSet(count int) *Set {
	if count < 1 {
		count = 1
	}

	s := &Set{cores: make([]*Core, count)}
	for i := range s.cores {
		s.cores[i] = NewCore(i)
	}
	return s
}

// Len returns the number of cores in the set.
func (s *Set) Len() int { return len(s.cores) }

// Core returns the core with the given index.
func (s *Set) Core(id int) *Core { return s.cores[id] }

// Cores returns the cores in the set.
func (s *Set) Cores() []*Core { return s.cores }

// VisitCores invokes visitor for each core until it returns false.
func (s *Set) VisitCores(visitor func(*Core) bool) {
	for _, c := range s.cores {
		if !visitor(c) {
			return
		}
	}
}
