package dom

import (
	"fmt"
	"strings"
)

// Selector is a compiled query. The grammar covers what page locators
// actually need: tag, .class, #id and [attr] / [attr=value] parts,
// compound simple selectors, the descendant combinator, and
// comma-separated alternatives tried in order.
type Selector struct {
	alternatives [][]simpleSelector
	source       string
}

type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrs   []attrMatch
}

type attrMatch struct {
	name  string
	value string
	exact bool
}

// Compile parses a selector string.
func Compile(src string) (*Selector, error) {
	s := &Selector{source: src}
	for _, alt := range strings.Split(src, ",") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			return nil, fmt.Errorf("selector %q: empty alternative", src)
		}
		var chain []simpleSelector
		for _, part := range strings.Fields(alt) {
			simple, err := parseSimple(part)
			if err != nil {
				return nil, fmt.Errorf("selector %q: %w", src, err)
			}
			chain = append(chain, simple)
		}
		s.alternatives = append(s.alternatives, chain)
	}
	return s, nil
}

// MustCompile is Compile for selectors known at build time.
func MustCompile(src string) *Selector {
	s, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Selector) String() string { return s.source }

func parseSimple(part string) (simpleSelector, error) {
	var out simpleSelector
	rest := part
	for rest != "" {
		switch rest[0] {
		case '.':
			name, r := readName(rest[1:])
			if name == "" {
				return out, fmt.Errorf("bad class in %q", part)
			}
			out.classes = append(out.classes, name)
			rest = r
		case '#':
			name, r := readName(rest[1:])
			if name == "" {
				return out, fmt.Errorf("bad id in %q", part)
			}
			out.id = name
			rest = r
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return out, fmt.Errorf("unterminated attribute in %q", part)
			}
			body := rest[1:end]
			rest = rest[end+1:]
			if eq := strings.IndexByte(body, '='); eq >= 0 {
				val := strings.Trim(body[eq+1:], `"'`)
				out.attrs = append(out.attrs, attrMatch{name: body[:eq], value: val, exact: true})
			} else {
				out.attrs = append(out.attrs, attrMatch{name: body})
			}
		default:
			name, r := readName(rest)
			if name == "" {
				return out, fmt.Errorf("bad tag in %q", part)
			}
			out.tag = name
			rest = r
		}
	}
	if out.tag == "" && out.id == "" && len(out.classes) == 0 && len(out.attrs) == 0 {
		return out, fmt.Errorf("empty selector part %q", part)
	}
	return out, nil
}

func readName(s string) (name, rest string) {
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '.' || c == '#' || c == '[' {
			break
		}
		i++
	}
	return s[:i], s[i:]
}

func (m simpleSelector) matches(e *Element) bool {
	if m.tag != "" && !strings.EqualFold(m.tag, e.Tag) {
		return false
	}
	if m.id != "" {
		if id, ok := e.attrs["id"]; !ok || id != m.id {
			return false
		}
	}
	if len(m.classes) > 0 {
		have := strings.Fields(e.attrs["class"])
		for _, want := range m.classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	for _, am := range m.attrs {
		v, ok := e.attrs[am.name]
		if !ok {
			return false
		}
		if am.exact && v != am.value {
			return false
		}
	}
	return true
}

// chainMatches checks the descendant chain ending at e.
func chainMatches(chain []simpleSelector, e *Element) bool {
	if !chain[len(chain)-1].matches(e) {
		return false
	}
	rest := chain[:len(chain)-1]
	anc := e.parent
	for len(rest) > 0 {
		if anc == nil {
			return false
		}
		if rest[len(rest)-1].matches(anc) {
			rest = rest[:len(rest)-1]
		}
		anc = anc.parent
	}
	return true
}

// Matches reports whether the element itself satisfies the selector.
func (e *Element) Matches(sel *Selector) bool {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	for _, chain := range sel.alternatives {
		if chainMatches(chain, e) {
			return true
		}
	}
	return false
}

// Query returns the first descendant matching the selector, in
// document order, or nil.
func (e *Element) Query(sel *Selector) *Element {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	return e.query(sel, true)
}

// QueryAll returns every matching descendant in document order.
func (e *Element) QueryAll(sel *Selector) []*Element {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	var out []*Element
	e.walk(func(n *Element) bool {
		if n == e {
			return false
		}
		for _, chain := range sel.alternatives {
			if chainMatches(chain, n) {
				out = append(out, n)
				break
			}
		}
		return false
	})
	return out
}

func (e *Element) query(sel *Selector, skipSelf bool) *Element {
	var found *Element
	e.walk(func(n *Element) bool {
		if skipSelf && n == e {
			return false
		}
		for _, chain := range sel.alternatives {
			if chainMatches(chain, n) {
				found = n
				return true
			}
		}
		return false
	})
	return found
}

// walk visits the subtree in document order until fn returns true.
func (e *Element) walk(fn func(*Element) bool) bool {
	if fn(e) {
		return true
	}
	for _, c := range e.children {
		if c.walk(fn) {
			return true
		}
	}
	return false
}

// Closest returns the nearest ancestor, including the element itself,
// matching the selector.
func (e *Element) Closest(sel *Selector) *Element {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	for n := e; n != nil; n = n.parent {
		for _, chain := range sel.alternatives {
			if chainMatches(chain, n) {
				return n
			}
		}
	}
	return nil
}
