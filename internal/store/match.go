package store

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/coven/daemon/pkg/types"
)

// Matcher selects a grimoire for a task via the pipeline described in
// spec.md §4.5: any_tags/all_tags/not_tags are hierarchical glob patterns
// (doublestar's `**`/`{a,b}` grammar) matched against the task's tag set;
// priority is an in-set check and priority_range an inclusive bound, type is
// an exact set, body_contains is a case-insensitive substring OR'd across
// entries; has_parent requires the task to have a parent; inherit pulls the
// parent's grimoire_hint forward when the task doesn't name one itself.
type Matcher struct {
	Grimoire      string   `yaml:"grimoire"`
	AnyTags       []string `yaml:"any_tags,omitempty"`
	AllTags       []string `yaml:"all_tags,omitempty"`
	NotTags       []string `yaml:"not_tags,omitempty"`
	Priority      []int    `yaml:"priority,omitempty"`
	PriorityRange []int    `yaml:"priority_range,omitempty"` // inclusive [min, max]
	Type          []string `yaml:"type,omitempty"`
	BodyContains  []string `yaml:"body_contains,omitempty"`
	HasParent     *bool    `yaml:"has_parent,omitempty"`
	Inherit       bool     `yaml:"inherit,omitempty"`
}

// Match returns the grimoire name selected for t by the first matcher in
// matchers (in priority order, i.e. the caller's list order) whose
// conditions all hold. An explicit t.GrimoireHint always wins outright.
func Match(t types.Task, matchers []Matcher) (string, bool) {
	if t.GrimoireHint != "" {
		return t.GrimoireHint, true
	}
	for _, m := range matchers {
		if matcherApplies(t, m) {
			return m.Grimoire, true
		}
	}
	return "", false
}

func matcherApplies(t types.Task, m Matcher) bool {
	if len(m.AnyTags) > 0 && !anyGlobMatch(t.Tags, m.AnyTags) {
		return false
	}
	if len(m.AllTags) > 0 && !allGlobMatch(t.Tags, m.AllTags) {
		return false
	}
	if len(m.NotTags) > 0 && anyGlobMatch(t.Tags, m.NotTags) {
		return false
	}
	if len(m.Priority) > 0 && !intInSet(t.Priority, m.Priority) {
		return false
	}
	if len(m.PriorityRange) == 2 && (t.Priority < m.PriorityRange[0] || t.Priority > m.PriorityRange[1]) {
		return false
	}
	if len(m.Type) > 0 && !stringInSet(t.Type, m.Type) {
		return false
	}
	if len(m.BodyContains) > 0 && !anySubstringFold(t.Body, m.BodyContains) {
		return false
	}
	if m.HasParent != nil && (*m.HasParent) != (t.ParentID != "") {
		return false
	}
	return true
}

func intInSet(v int, set []int) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

func stringInSet(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

// anySubstringFold reports whether body contains any of needles, ignoring case.
func anySubstringFold(body string, needles []string) bool {
	lower := strings.ToLower(body)
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// anyGlobMatch reports whether at least one pattern matches at least one tag.
func anyGlobMatch(tags, patterns []string) bool {
	for _, pattern := range patterns {
		for _, tag := range tags {
			if ok, _ := doublestar.Match(pattern, tag); ok {
				return true
			}
		}
	}
	return false
}

// allGlobMatch reports whether every pattern matches at least one tag.
func allGlobMatch(tags, patterns []string) bool {
	for _, pattern := range patterns {
		matched := false
		for _, tag := range tags {
			if ok, _ := doublestar.Match(pattern, tag); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// ResolveInherited walks up the parent chain (via getParent) filling in
// GrimoireHint from the nearest ancestor that has one, for matchers flagged
// Inherit. getParent returns (task, false) at the root.
func ResolveInherited(t types.Task, getParent func(id string) (types.Task, bool)) types.Task {
	cur := t
	for cur.GrimoireHint == "" && cur.ParentID != "" {
		parent, ok := getParent(cur.ParentID)
		if !ok {
			break
		}
		if parent.GrimoireHint != "" {
			t.GrimoireHint = parent.GrimoireHint
			break
		}
		cur = parent
	}
	return t
}
