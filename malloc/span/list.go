package span

// List is an intrusive circular doubly-linked list of spans with a
// sentinel head. Insert and remove are O(1); the span least recently
// prepended sits at the back, which is what the release path wants for
// LRU access.
//
// A span may be on at most one List at a time.
type List struct {
	sentinel Span
	length   int
}

// Init readies the list. A List must be initialized before first use.
func (l *List) Init() {
	l.sentinel.prev = &l.sentinel
	l.sentinel.next = &l.sentinel
	l.length = 0
}

// Empty reports whether the list has no spans.
func (l *List) Empty() bool { return l.sentinel.next == &l.sentinel }

// Len returns the number of spans on the list.
func (l *List) Len() int { return l.length }

// PushFront prepends s.
// REQUIRES: s is not on any list.
func (l *List) PushFront(s *Span) {
	if s.list != nil {
		panic("span: PushFront of a span already on a list")
	}
	s.list = l
	s.prev = &l.sentinel
	s.next = l.sentinel.next
	l.sentinel.next.prev = s
	l.sentinel.next = s
	l.length++
}

// Remove unlinks s from its list.
// REQUIRES: s is on l.
func (l *List) Remove(s *Span) {
	if s.list != l {
		panic("span: Remove of a span not on this list")
	}
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev, s.next, s.list = nil, nil, nil
	l.length--
}

// Front returns the most recently prepended span, or nil.
func (l *List) Front() *Span {
	if l.Empty() {
		return nil
	}
	return l.sentinel.next
}

// Back returns the least recently prepended span, or nil.
func (l *List) Back() *Span {
	if l.Empty() {
		return nil
	}
	return l.sentinel.prev
}

// PopBack removes and returns the least recently prepended span, or nil.
func (l *List) PopBack() *Span {
	s := l.Back()
	if s != nil {
		l.Remove(s)
	}
	return s
}

// Next returns the span following s on l, or nil when s is the back.
// REQUIRES: s is on l.
func (l *List) Next(s *Span) *Span {
	if s.list != l {
		panic("span: Next of a span not on this list")
	}
	if s.next == &l.sentinel {
		return nil
	}
	return s.next
}

// OnList reports whether s is currently linked on any list.
func (s *Span) OnList() bool { return s.list != nil }

// Unlink removes s from whatever list currently holds it. A no-op when s
// is off-list.
func (s *Span) Unlink() {
	if s.list != nil {
		s.list.Remove(s)
	}
}
