package models

import (
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// OutcomeKind is the terminal state a page reached in the fetch state machine
type OutcomeKind string

const (
	OutcomeUnset            OutcomeKind = ""                  // Zero value = unset/unknown
	OutcomeSuccess          OutcomeKind = "success"           // Response captured (any status code)
	OutcomeTimeout          OutcomeKind = "timeout"           // Fetch exceeded the per-URL timeout
	OutcomeFetchError       OutcomeKind = "fetch_error"       // Transport failure
	OutcomeRobotsDisallowed OutcomeKind = "robots_disallowed" // Blocked before any request was sent
)

// String implements fmt.Stringer for logging
func (k OutcomeKind) String() string {
	if k == "" {
		return "unset"
	}
	return string(k)
}

// IsValid returns true if the kind is one of the terminal outcomes
func (k OutcomeKind) IsValid() bool {
	switch k {
	case OutcomeSuccess, OutcomeTimeout, OutcomeFetchError, OutcomeRobotsDisallowed:
		return true
	}
	return false
}

// IsFailure reports whether the page produced no usable response
func (k OutcomeKind) IsFailure() bool {
	return k == OutcomeTimeout || k == OutcomeFetchError
}

// AllOutcomeKinds lists the terminal outcomes in report order
func AllOutcomeKinds() []OutcomeKind {
	return []OutcomeKind{OutcomeSuccess, OutcomeRobotsDisallowed, OutcomeTimeout, OutcomeFetchError}
}

// OutcomeCounts maps an OutcomeKind's string form to the number of pages that ended in it
type OutcomeCounts map[string]int

// Failures sums the counts of the failure kinds
func (c OutcomeCounts) Failures() int {
	n := 0
	for _, k := range AllOutcomeKinds() {
		if k.IsFailure() {
			n += c[k.String()]
		}
	}
	return n
}

// MarshalYAML writes the kinds in AllOutcomeKinds order, then any unknown keys sorted
func (c OutcomeCounts) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	add := func(key string, n int) {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(n)},
		)
	}

	for _, k := range AllOutcomeKinds() {
		if n, ok := c[k.String()]; ok {
			add(k.String(), n)
		}
	}
	var other []string
	for key := range c {
		if !OutcomeKind(key).IsValid() {
			other = append(other, key)
		}
	}
	sort.Strings(other)
	for _, key := range other {
		add(key, c[key])
	}
	return node, nil
}
