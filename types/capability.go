package types

import (
	"encoding/json"
	"sort"
	"strings"
)

// MaxCapabilityTagLength bounds a single capability tag.
const MaxCapabilityTagLength = 64

// CapabilitySet is a normalized set of capability tags: trimmed, lower-cased,
// deduplicated and sorted. The zero value is an empty set.
type CapabilitySet []string

// NewCapabilitySet normalizes tags into a set. Empty or oversized tags are
// rejected.
func NewCapabilitySet(tags ...string) (CapabilitySet, error) {
	if len(tags) == 0 {
		return CapabilitySet{}, nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make(CapabilitySet, 0, len(tags))
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t == "" {
			return nil, ValidationError("capability tag must not be empty")
		}
		if len(t) > MaxCapabilityTagLength {
			return nil, ValidationError("capability tag %q exceeds %d characters", t, MaxCapabilityTagLength)
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// MustCapabilities is NewCapabilitySet for literals known to be valid.
func MustCapabilities(tags ...string) CapabilitySet {
	s, err := NewCapabilitySet(tags...)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of tags.
func (s CapabilitySet) Len() int { return len(s) }

// Contains reports whether tag is in the set.
func (s CapabilitySet) Contains(tag string) bool {
	t := strings.ToLower(strings.TrimSpace(tag))
	i := sort.SearchStrings(s, t)
	return i < len(s) && s[i] == t
}

// ContainsAll reports whether every tag of other is in the set.
func (s CapabilitySet) ContainsAll(other CapabilitySet) bool {
	for _, t := range other {
		if !s.Contains(t) {
			return false
		}
	}
	return true
}

// Intersect returns the tags present in both sets.
func (s CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	out := CapabilitySet{}
	for _, t := range s {
		if other.Contains(t) {
			out = append(out, t)
		}
	}
	return out
}

// Union returns the tags present in either set.
func (s CapabilitySet) Union(other CapabilitySet) CapabilitySet {
	merged := make([]string, 0, len(s)+len(other))
	merged = append(merged, s...)
	merged = append(merged, other...)
	out, _ := NewCapabilitySet(merged...)
	return out
}

// Missing returns the tags of required that the set lacks.
func (s CapabilitySet) Missing(required CapabilitySet) CapabilitySet {
	out := CapabilitySet{}
	for _, t := range required {
		if !s.Contains(t) {
			out = append(out, t)
		}
	}
	return out
}

// Clone returns an independent copy.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	copy(out, s)
	return out
}

// MarshalJSON always encodes an array, never null.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

// UnmarshalJSON normalizes the decoded tags.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	set, err := NewCapabilitySet(tags...)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

// UnmarshalYAML normalizes tags read from workflow templates and config files.
func (s *CapabilitySet) UnmarshalYAML(unmarshal func(any) error) error {
	var tags []string
	if err := unmarshal(&tags); err != nil {
		return err
	}
	set, err := NewCapabilitySet(tags...)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
