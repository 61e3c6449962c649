// Package inject plants reply helpers into a feed page and keeps them
// alive while the page re-renders around them. It owns the scan loop,
// the per-helper state machine, and the two text insertion strategies.
package inject

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"replypilot/internal/dom"
)

// MarkerAttr tags injected elements so a rescan can tell its own work
// from the page's. A post whose toolbar still carries a marked element
// is left alone.
const MarkerAttr = "data-replypilot"

// StateAttr carries the helper's lifecycle state on the element.
const StateAttr = "data-replypilot-state"

// Helper lifecycle states.
const (
	StateIdle    = "idle"
	StateBusy    = "busy"
	StateSuccess = "success"
	StateError   = "error"
)

// LocatorProfile names the page structure the engine navigates. Feeds
// rename their CSS classes routinely, so the locators live in data
// rather than code and every field accepts comma-separated fallbacks.
type LocatorProfile struct {
	Name     string `yaml:"name"`
	Post     string `yaml:"post"`
	Toolbar  string `yaml:"toolbar"`
	Form     string `yaml:"form"`
	PostText string `yaml:"post_text"`
	Author   string `yaml:"author"`
	Date     string `yaml:"date"`
	Composer string `yaml:"composer"`
}

// DefaultLocatorProfile matches the feed markup the helper was built
// against, with one fallback alternative per locator.
func DefaultLocatorProfile() LocatorProfile {
	return LocatorProfile{
		Name:     "default-feed",
		Post:     ".feed-item, article[data-id]",
		Toolbar:  ".actions, .social-actions-bar",
		Form:     "form, .comment-form",
		PostText: ".post-body, .update-text",
		Author:   ".author-name, .actor-title",
		Date:     "time, .post-date",
		Composer: `.comment-box [contenteditable], textarea.comment-input`,
	}
}

// LoadLocatorProfile reads a profile from a YAML file. Fields left
// empty fall back to the default profile.
func LoadLocatorProfile(path string) (LocatorProfile, error) {
	p := DefaultLocatorProfile()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse locator profile %s: %w", path, err)
	}
	def := DefaultLocatorProfile()
	if p.Post == "" {
		p.Post = def.Post
	}
	if p.Toolbar == "" {
		p.Toolbar = def.Toolbar
	}
	if p.Form == "" {
		p.Form = def.Form
	}
	if p.PostText == "" {
		p.PostText = def.PostText
	}
	if p.Author == "" {
		p.Author = def.Author
	}
	if p.Date == "" {
		p.Date = def.Date
	}
	if p.Composer == "" {
		p.Composer = def.Composer
	}
	return p, nil
}

// Profile is a compiled LocatorProfile.
type Profile struct {
	Name     string
	Post     *dom.Selector
	Toolbar  *dom.Selector
	Form     *dom.Selector
	PostText *dom.Selector
	Author   *dom.Selector
	Date     *dom.Selector
	Composer *dom.Selector
	Marker   *dom.Selector
}

// Compile turns the locator strings into selectors. A profile that
// fails to compile is unusable, so every locator is checked up front.
func (p LocatorProfile) Compile() (*Profile, error) {
	out := &Profile{Name: p.Name}
	var err error
	compile := func(dst **dom.Selector, field, src string) {
		if err != nil {
			return
		}
		*dst, err = dom.Compile(src)
		if err != nil {
			err = fmt.Errorf("locator %s: %w", field, err)
		}
	}
	compile(&out.Post, "post", p.Post)
	compile(&out.Toolbar, "toolbar", p.Toolbar)
	compile(&out.Form, "form", p.Form)
	compile(&out.PostText, "post_text", p.PostText)
	compile(&out.Author, "author", p.Author)
	compile(&out.Date, "date", p.Date)
	compile(&out.Composer, "composer", p.Composer)
	compile(&out.Marker, "marker", "["+MarkerAttr+"]")
	if err != nil {
		return nil, err
	}
	return out, nil
}
