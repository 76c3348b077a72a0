// Package path implements the canonical filesystem path value type used
// throughout the pod: a UTF-8 string tagged with a Kind, with push/join/
// rename/split/starts-with operations that never touch the host OS's
// separator. Translation to host-native separators happens only at the
// OS driver boundary, outside this package.
package path

import "strings"

// Separator is the canonical internal path separator, used regardless of
// the host OS.
const Separator = "/"

// Kind tags what a Path represents.
type Kind int

const (
	// Empty is the zero path: "".
	Empty Kind = iota
	// Absolute paths start with Separator.
	Absolute
	// Relative paths are "." or start with "./".
	Relative
	// NoPrefix paths are bare component sequences with neither an
	// absolute nor an explicit relative prefix, e.g. "foo/bar".
	NoPrefix
)

func (k Kind) String() string {
	switch k {
	case Empty:
		return "Empty"
	case Absolute:
		return "Absolute"
	case Relative:
		return "Relative"
	case NoPrefix:
		return "NoPrefix"
	default:
		return "Unknown"
	}
}

// Path is a cheap value-ish path: mutating methods (Push, Pop, RenameLast)
// act in place on a pointer receiver, pure accessors take a value
// receiver.
type Path struct {
	kind  Kind
	inner string
}

// New builds a Path from any string, inferring its Kind.
func New(s string) Path {
	p := Path{inner: collapse(s)}
	switch {
	case p.inner == "":
		p.kind = Empty
	case strings.HasPrefix(p.inner, Separator):
		p.kind = Absolute
	case p.inner == "." || strings.HasPrefix(p.inner, "./"):
		p.kind = Relative
	default:
		p.kind = NoPrefix
	}
	return p
}

// collapse lazily collapses repeated separators; it is the only place
// that normalizes the raw string.
func collapse(s string) string {
	if !strings.Contains(s, "//") {
		return s
	}
	parts := strings.Split(s, Separator)
	out := parts[:0]
	for i, part := range parts {
		if part == "" && i != 0 && i != len(parts)-1 {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, Separator)
}

// Kind reports the path's tag.
func (p Path) Kind() Kind { return p.kind }

// String returns the raw path string.
func (p Path) String() string { return p.inner }

// IsEmpty reports whether this is the zero path.
func (p Path) IsEmpty() bool { return p.kind == Empty }

// Push appends a single segment in place, inserting a separator unless
// one is already present at the join point or the segment itself starts
// with a separator or a relative prefix.
func (p *Path) Push(segment string) {
	if segment == "" {
		return
	}
	if p.inner == "" {
		*p = New(segment)
		return
	}
	needsSep := !strings.HasSuffix(p.inner, Separator) &&
		!strings.HasPrefix(segment, Separator) &&
		!strings.HasPrefix(segment, "./")
	if needsSep {
		p.inner += Separator
	}
	p.inner += segment
	p.inner = collapse(p.inner)
}

// Join is the non-mutating counterpart of Push: it returns a new Path
// with segment appended, leaving the receiver untouched.
func (p Path) Join(segment string) Path {
	out := New(p.inner)
	out.kind = p.kind
	out.Push(segment)
	return out
}

// Components splits the path into its non-empty segments, dropping any
// leading "." or "/" marker.
func (p Path) Components() []string {
	trimmed := strings.TrimPrefix(p.inner, Separator)
	trimmed = strings.TrimPrefix(trimmed, "./")
	if trimmed == "." || trimmed == "" {
		return nil
	}
	var out []string
	for _, c := range strings.Split(trimmed, Separator) {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// SplitParent splits the path into its parent folder and its last
// component. For a path with a single component, the parent is the root
// of the same Kind.
func (p Path) SplitParent() (parent Path, last string) {
	comps := p.Components()
	if len(comps) == 0 {
		return p, ""
	}
	last = comps[len(comps)-1]
	parentComps := comps[:len(comps)-1]
	parent = New(rootStringFor(p.kind))
	parent.kind = p.kind
	for _, c := range parentComps {
		parent.Push(c)
	}
	return parent, last
}

func rootStringFor(k Kind) string {
	switch k {
	case Absolute:
		return Separator
	case Relative:
		return "."
	default:
		return ""
	}
}

// Pop drops the last segment in place and returns it; popping an empty
// path is a no-op that returns "".
func (p *Path) Pop() string {
	parent, last := p.SplitParent()
	*p = parent
	return last
}

// RenameLast replaces the final segment in place, leaving the parent
// untouched.
func (p *Path) RenameLast(newName string) {
	parent, _ := p.SplitParent()
	parent.Push(newName)
	*p = parent
}

// StartsWith reports whether p's components begin with prefix's
// components. Kind is ignored: this is a purely structural check.
func (p Path) StartsWith(prefix Path) bool {
	pc, qc := p.Components(), prefix.Components()
	if len(qc) > len(pc) {
		return false
	}
	for i := range qc {
		if pc[i] != qc[i] {
			return false
		}
	}
	return true
}

// RemoveSubstring returns a copy of p with the first occurrence of sub
// removed from the raw string, then re-collapsed.
func (p Path) RemoveSubstring(sub string) Path {
	if sub == "" {
		return p
	}
	out := New(strings.Replace(p.inner, sub, "", 1))
	return out
}

// SetAbsolute reinterprets the path as Absolute, prefixing a separator
// if one isn't already present.
func (p Path) SetAbsolute() Path {
	s := strings.TrimPrefix(p.inner, "./")
	if !strings.HasPrefix(s, Separator) {
		s = Separator + s
	}
	return New(s)
}

// SetRelative reinterprets the path as Relative ("./..." form).
func (p Path) SetRelative() Path {
	s := strings.TrimPrefix(p.inner, Separator)
	if s == "" || s == "." {
		return New(".")
	}
	return New("./" + s)
}

// SetNoPrefix strips any absolute or relative prefix, returning a bare
// component sequence.
func (p Path) SetNoPrefix() Path {
	s := strings.TrimPrefix(p.inner, Separator)
	s = strings.TrimPrefix(s, "./")
	out := New(s)
	if out.kind == Empty && s != "" {
		out.kind = NoPrefix
	}
	if s != "" {
		out.kind = NoPrefix
	}
	return out
}

// Root returns the canonical root path ("/").
func Root() Path {
	return New(Separator)
}
