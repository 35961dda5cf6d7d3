package set

// Set is an unordered set. The zero value is empty and ready to use.
type Set[T comparable] struct {
	set map[T]struct{}
}

func Of[T comparable](items ...T) Set[T] {
	var s Set[T]
	for _, it := range items {
		s.Insert(it)
	}
	return s
}

func (s *Set[T]) Insert(k T) {
	if s.set == nil {
		s.set = make(map[T]struct{})
	}
	s.set[k] = struct{}{}
}

func (s Set[T]) Contains(k T) bool {
	_, ok := s.set[k]
	return ok
}

func (s Set[T]) Len() int { return len(s.set) }
