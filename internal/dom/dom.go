// Package dom models a live page as a mutable element tree. The tree
// is parsed from HTML, can be mutated programmatically or by an
// external page driver, and publishes every mutation to subscribers so
// higher layers can react to a page that keeps changing underneath
// them.
package dom

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// MutationOp identifies what changed in the tree.
type MutationOp int

const (
	OpInsert MutationOp = iota
	OpRemove
	OpSetAttr
	OpSetText
)

func (op MutationOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	case OpSetAttr:
		return "setattr"
	case OpSetText:
		return "settext"
	}
	return "unknown"
}

// Mutation describes a single change to the tree.
type Mutation struct {
	Op     MutationOp
	Target *Element
	Attr   string
}

// Element is a node in the tree. All access goes through the owning
// Document's lock, so elements must not be shared across documents.
type Element struct {
	Tag string

	doc      *Document
	parent   *Element
	children []*Element
	attrs    map[string]string
	text     string
}

// Document owns an element tree and fans mutations out to
// subscribers. Safe for concurrent use.
type Document struct {
	mu   sync.RWMutex
	root *Element

	subMu   sync.Mutex
	subs    map[int]chan Mutation
	nextSub int
}

// Parse builds a Document from an HTML stream. Script and style
// subtrees are dropped, text is attached to the enclosing element.
func Parse(r io.Reader) (*Document, error) {
	node, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	d := &Document{subs: make(map[int]chan Mutation)}
	d.root = d.convert(node, nil)
	if d.root == nil {
		d.root = &Element{Tag: "html", doc: d, attrs: map[string]string{}}
	}
	return d, nil
}

// NewDocument returns an empty document with an <html> root.
func NewDocument() *Document {
	d := &Document{subs: make(map[int]chan Mutation)}
	d.root = &Element{Tag: "html", doc: d, attrs: map[string]string{}}
	return d
}

func (d *Document) convert(n *html.Node, parent *Element) *Element {
	switch n.Type {
	case html.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				return d.convert(c, parent)
			}
		}
		return nil
	case html.ElementNode:
		if n.Data == "script" || n.Data == "style" {
			return nil
		}
		el := &Element{Tag: n.Data, doc: d, parent: parent, attrs: make(map[string]string, len(n.Attr))}
		for _, a := range n.Attr {
			el.attrs[a.Key] = a.Val
		}
		var text strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				text.WriteString(c.Data)
			case html.ElementNode:
				if child := d.convert(c, el); child != nil {
					el.children = append(el.children, child)
				}
			}
		}
		el.text = strings.TrimSpace(text.String())
		return el
	}
	return nil
}

// LoadHTML replaces the document's tree with a fresh parse of r,
// keeping subscribers attached. Used when an external source replays
// a whole new page state.
func (d *Document) LoadHTML(r io.Reader) error {
	node, err := html.Parse(r)
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	root := d.convert(node, nil)
	if root == nil {
		return fmt.Errorf("no root element in document")
	}
	d.mu.Lock()
	d.root = root
	d.mu.Unlock()
	d.publish(Mutation{Op: OpInsert, Target: root})
	return nil
}

// Root returns the tree root.
func (d *Document) Root() *Element {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.root
}

// CreateElement makes a detached element owned by this document.
func (d *Document) CreateElement(tag string) *Element {
	return &Element{Tag: tag, doc: d, attrs: map[string]string{}}
}

// Subscribe registers a mutation listener. The returned cancel func
// closes the channel. Slow subscribers lose mutations rather than
// blocking mutators.
func (d *Document) Subscribe(buf int) (<-chan Mutation, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Mutation, buf)

	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.subMu.Unlock()

	cancel := func() {
		d.subMu.Lock()
		if c, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(c)
		}
		d.subMu.Unlock()
	}
	return ch, cancel
}

func (d *Document) publish(m Mutation) {
	d.subMu.Lock()
	for _, ch := range d.subs {
		select {
		case ch <- m:
		default:
		}
	}
	d.subMu.Unlock()
}

// Attr returns an attribute value.
func (e *Element) Attr(name string) (string, bool) {
	e.doc.mu.RLock()
	v, ok := e.attrs[name]
	e.doc.mu.RUnlock()
	return v, ok
}

// HasAttr reports whether the attribute is set.
func (e *Element) HasAttr(name string) bool {
	_, ok := e.Attr(name)
	return ok
}

// SetAttr sets an attribute and publishes the mutation.
func (e *Element) SetAttr(name, value string) {
	e.doc.mu.Lock()
	e.attrs[name] = value
	e.doc.mu.Unlock()
	e.doc.publish(Mutation{Op: OpSetAttr, Target: e, Attr: name})
}

// RemoveAttr clears an attribute if present.
func (e *Element) RemoveAttr(name string) {
	e.doc.mu.Lock()
	_, ok := e.attrs[name]
	delete(e.attrs, name)
	e.doc.mu.Unlock()
	if ok {
		e.doc.publish(Mutation{Op: OpSetAttr, Target: e, Attr: name})
	}
}

// OwnText returns the element's direct text content.
func (e *Element) OwnText() string {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	return e.text
}

// Text returns the concatenated text of the whole subtree.
func (e *Element) Text() string {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	var b strings.Builder
	e.collectText(&b)
	return strings.TrimSpace(b.String())
}

func (e *Element) collectText(b *strings.Builder) {
	if e.text != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(e.text)
	}
	for _, c := range e.children {
		c.collectText(b)
	}
}

// SetText replaces the element's direct text content.
func (e *Element) SetText(s string) {
	e.doc.mu.Lock()
	e.text = s
	e.doc.mu.Unlock()
	e.doc.publish(Mutation{Op: OpSetText, Target: e})
}

// Parent returns the parent element, nil at the root.
func (e *Element) Parent() *Element {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	return e.parent
}

// Children returns a snapshot of the child list.
func (e *Element) Children() []*Element {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	out := make([]*Element, len(e.children))
	copy(out, e.children)
	return out
}

// AppendChild attaches a detached element as the last child.
func (e *Element) AppendChild(child *Element) {
	e.doc.mu.Lock()
	child.parent = e
	e.children = append(e.children, child)
	e.doc.mu.Unlock()
	e.doc.publish(Mutation{Op: OpInsert, Target: child})
}

// InsertBefore attaches a detached element ahead of ref. When ref is
// nil or not a child, it appends.
func (e *Element) InsertBefore(child, ref *Element) {
	e.doc.mu.Lock()
	child.parent = e
	idx := len(e.children)
	for i, c := range e.children {
		if c == ref {
			idx = i
			break
		}
	}
	e.children = append(e.children, nil)
	copy(e.children[idx+1:], e.children[idx:])
	e.children[idx] = child
	e.doc.mu.Unlock()
	e.doc.publish(Mutation{Op: OpInsert, Target: child})
}

// Remove detaches the element from its parent.
func (e *Element) Remove() {
	e.doc.mu.Lock()
	p := e.parent
	if p == nil {
		e.doc.mu.Unlock()
		return
	}
	for i, c := range p.children {
		if c == e {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	e.parent = nil
	e.doc.mu.Unlock()
	e.doc.publish(Mutation{Op: OpRemove, Target: e})
}

// Attached reports whether the element is still reachable from the
// document root.
func (e *Element) Attached() bool {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	for n := e; n != nil; n = n.parent {
		if n == e.doc.root {
			return true
		}
	}
	return false
}

// OuterHTML renders the subtree back to markup, mostly for relaying
// injected structure to a live page driver.
func (e *Element) OuterHTML() string {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	var b strings.Builder
	e.render(&b)
	return b.String()
}

func (e *Element) render(b *strings.Builder) {
	b.WriteByte('<')
	b.WriteString(e.Tag)
	keys := make([]string, 0, len(e.attrs))
	for k := range e.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%q", k, e.attrs[k])
	}
	b.WriteByte('>')
	b.WriteString(html.EscapeString(e.text))
	for _, c := range e.children {
		c.render(b)
	}
	b.WriteString("</" + e.Tag + ">")
}
