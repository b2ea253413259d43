// Package cmdtree defines the wgguard CLI command tree.
//
// The interactive CLI uses it for tab completion, ? help and command
// abbreviation, so a command added here appears in all three.
package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Profiles supplies the profile names offered for dynamic arguments.
type Profiles interface {
	Names() []string
}

// Node defines a completion tree node with description, children, and optional dynamic values.
type Node struct {
	Desc      string
	Children  map[string]*Node
	DynamicFn func(p Profiles) []string
}

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

func profileNames(p Profiles) []string {
	if p == nil {
		return nil
	}
	return p.Names()
}

// Tree is the command tree of the interactive CLI.
var Tree = map[string]*Node{
	"show": {Desc: "Show information", Children: map[string]*Node{
		"profiles":   {Desc: "Show profiles with connection and kill-switch state"},
		"details":    {Desc: "Show live interface details", DynamicFn: profileNames},
		"killswitch": {Desc: "Show kill-switch rule sets"},
		"log":        {Desc: "Show recent status log entries"},
	}},
	"list":       {Desc: "Show profiles (same as show profiles)"},
	"toggle":     {Desc: "Connect or disconnect a profile", DynamicFn: profileNames},
	"connect":    {Desc: "Bring a profile's tunnel up", DynamicFn: profileNames},
	"disconnect": {Desc: "Take a profile's tunnel down", DynamicFn: profileNames},
	"edit":       {Desc: "Edit a profile's configuration file", DynamicFn: profileNames},
	"killswitch": {Desc: "Control a profile's kill-switch", Children: map[string]*Node{
		"enable":  {Desc: "Install kill-switch rules", DynamicFn: profileNames},
		"disable": {Desc: "Remove kill-switch rules", DynamicFn: profileNames},
	}},
	"set": {Desc: "Change a runtime setting", Children: map[string]*Node{
		"killswitch": {Desc: "Enable the kill-switch on every connect", Children: map[string]*Node{
			"on":  {Desc: "Enable on connect"},
			"off": {Desc: "Do not enable on connect"},
		}},
	}},
	"reconcile": {Desc: "Re-read tunnel and firewall state"},
	"reload":    {Desc: "Rescan the profile directory"},
	"help":      {Desc: "Show available commands"},
	"quit":      {Desc: "Exit"},
	"exit":      {Desc: "Exit"},
}

// KeysFromTree returns a sorted list of keys from a Node map.
func KeysFromTree(tree map[string]*Node) []string {
	keys := KeysOf(tree)
	sort.Strings(keys)
	return keys
}

// HelpCandidates returns candidates for every child of tree.
func HelpCandidates(tree map[string]*Node) []Candidate {
	candidates := make([]Candidate, 0, len(tree))
	for name, node := range tree {
		candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
	}
	return candidates
}

// CompleteFromTree walks words through tree and returns completions of
// partial at the reached level.
func CompleteFromTree(tree map[string]*Node, words []string, partial string, p Profiles) []Candidate {
	current := tree
	var currentNode *Node
	for _, w := range words {
		node, ok := current[w]
		if !ok {
			// A dynamic value ends the command; nothing follows a profile name.
			return nil
		}
		currentNode = node
		if node.Children == nil {
			if node.DynamicFn == nil {
				return nil
			}
			current = nil
			continue
		}
		current = node.Children
	}

	var candidates []Candidate
	for name, node := range current {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
		}
	}
	if currentNode != nil && currentNode.DynamicFn != nil {
		for _, name := range currentNode.DynamicFn(p) {
			if strings.HasPrefix(name, partial) {
				candidates = append(candidates, Candidate{Name: name, Desc: "(profile)"})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates
}

// Resolve expands unambiguous abbreviations of the command keywords in
// words ("sh pro" becomes "show profiles"). Dynamic values are kept as
// typed. An ambiguous or unknown keyword is returned unchanged.
func Resolve(tree map[string]*Node, words []string) []string {
	out := make([]string, 0, len(words))
	current := tree
	for i, w := range words {
		if current == nil {
			out = append(out, words[i:]...)
			break
		}
		node, ok := current[w]
		if !ok {
			matches := FilterPrefix(KeysOf(current), w)
			if len(matches) != 1 {
				out = append(out, words[i:]...)
				break
			}
			w = matches[0]
			node = current[w]
		}
		out = append(out, w)
		current = node.Children
	}
	return out
}

// WriteHelp prints aligned completion candidates to w.
// The entire output is built as a single string and written in one call
// so that readline's wrapWriter triggers only one Refresh cycle.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	maxWidth := 20
	for _, c := range candidates {
		if len(c.Name)+2 > maxWidth {
			maxWidth = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", maxWidth, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// CommonPrefix returns the longest shared prefix among the given strings.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	prefix := items[0]
	for _, s := range items[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}

// KeysOf returns an unsorted list of keys from a Node map.
func KeysOf(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// FilterPrefix returns only items that start with the given prefix.
func FilterPrefix(items []string, prefix string) []string {
	if prefix == "" {
		return items
	}
	var result []string
	for _, item := range items {
		if strings.HasPrefix(item, prefix) {
			result = append(result, item)
		}
	}
	return result
}
