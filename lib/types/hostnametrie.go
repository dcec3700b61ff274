package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// NullHostnameTrie is a nullable HostnameTrie, in the same vein as the
// nullable types of gopkg.in/guregu/null.v3.
type NullHostnameTrie struct {
	Trie  *HostnameTrie
	Valid bool
}

// NewNullHostnameTrie returns a valid NullHostnameTrie built from the given patterns.
func NewNullHostnameTrie(patterns []string) (NullHostnameTrie, error) {
	trie, err := NewHostnameTrie(patterns)
	if err != nil {
		return NullHostnameTrie{}, err
	}
	return NullHostnameTrie{Trie: trie, Valid: true}, nil
}

// UnmarshalText reads a comma separated list of patterns; empty text is null.
func (d *NullHostnameTrie) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = NullHostnameTrie{}
		return nil
	}

	trie, err := NewHostnameTrie(strings.Split(string(data), ","))
	if err != nil {
		return err
	}
	*d = NullHostnameTrie{Trie: trie, Valid: true}
	return nil
}

// UnmarshalJSON reads an array of patterns.
func (d *NullHostnameTrie) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte(`null`)) {
		*d = NullHostnameTrie{}
		return nil
	}

	var patterns []string
	if err := json.Unmarshal(data, &patterns); err != nil {
		return err
	}
	trie, err := NewHostnameTrie(patterns)
	if err != nil {
		return err
	}
	*d = NullHostnameTrie{Trie: trie, Valid: true}
	return nil
}

// MarshalJSON returns the patterns the trie was built from.
func (d NullHostnameTrie) MarshalJSON() ([]byte, error) {
	if !d.Valid {
		return []byte(`null`), nil
	}
	return json.Marshal(d.Trie.patterns)
}

// HostnameTrie matches hostnames against a set of patterns. A pattern may
// start with a wildcard ("*.example.com", "*example.com"), nowhere else.
// Matching is case insensitive and works on internationalized names.
type HostnameTrie struct {
	root     *hostnameNode
	patterns []string
}

//nolint:gochecknoglobals,lll
var hostnamePattern = regexp.MustCompile(`^(\*\.?)?((([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]*[a-zA-Z0-9])\.)*([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9\-]*[A-Za-z0-9]))?$`)

// NewHostnameTrie builds a trie out of the given patterns.
func NewHostnameTrie(patterns []string) (*HostnameTrie, error) {
	t := &HostnameTrie{root: newHostnameNode(), patterns: patterns}
	for _, p := range patterns {
		if err := t.insert(p); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *HostnameTrie) insert(pattern string) error {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if len(hostnamePattern.FindString(pattern)) != len(pattern) {
		return fmt.Errorf("invalid hostname pattern %q", pattern)
	}

	// Patterns are stored back to front, so a leading wildcard ends up as a
	// leaf matching any remaining prefix.
	node := t.root
	runes := []rune(pattern)
	for i := len(runes) - 1; i >= 0; i-- {
		child, ok := node.children[runes[i]]
		if !ok {
			child = newHostnameNode()
			node.children[runes[i]] = child
		}
		node = child
	}
	node.leaf = true
	return nil
}

// Contains returns whether hostname matches a pattern, along with the most
// specific pattern it matched.
func (t *HostnameTrie) Contains(hostname string) (matchedPattern string, matchFound bool) {
	if t == nil {
		return "", false
	}
	return t.root.match([]rune(strings.ToLower(hostname)))
}

type hostnameNode struct {
	leaf     bool
	children map[rune]*hostnameNode
}

func newHostnameNode() *hostnameNode {
	return &hostnameNode{children: make(map[rune]*hostnameNode)}
}

func (n *hostnameNode) match(rest []rune) (string, bool) {
	if len(rest) == 0 && n.leaf {
		return "", true
	}

	if len(rest) > 0 {
		last := len(rest) - 1
		if child, ok := n.children[rest[last]]; ok {
			if matched, ok := child.match(rest[:last]); ok {
				return matched + string(rest[last]), true
			}
		}
	}

	if wildcard, ok := n.children['*']; ok && wildcard.leaf {
		return "*", true
	}
	return "", false
}
