package cli

import (
	"sort"
	"strings"

	"github.com/psaab/wgguard/pkg/cmdtree"
)

type completer struct {
	cli *CLI
}

// splitPartial returns the completed words of text and the word being
// typed.
func splitPartial(text string) (words []string, partial string) {
	words = strings.Fields(text)
	trailingSpace := len(text) > 0 && text[len(text)-1] == ' '
	if !trailingSpace && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	return words, partial
}

func (c *completer) Do(line []rune, pos int) ([][]rune, int) {
	words, partial := splitPartial(string(line[:pos]))
	candidates := cmdtree.CompleteFromTree(cmdtree.Tree, words, partial, c.cli.store)
	if len(candidates) == 0 {
		return nil, 0
	}
	if len(candidates) == 1 {
		suffix := candidates[0].Name[len(partial):]
		return [][]rune{[]rune(suffix + " ")}, len(partial)
	}

	cmdtree.WriteHelp(c.cli.rl.Stdout(), candidates)
	names := make([]string, len(candidates))
	for i, cand := range candidates {
		names[i] = cand.Name
	}
	sort.Strings(names)
	suffix := cmdtree.CommonPrefix(names)[len(partial):]
	if suffix == "" {
		return nil, 0
	}
	return [][]rune{[]rune(suffix)}, len(partial)
}

// helpListener shows the possible completions when '?' is typed.
func (c *CLI) helpListener(line []rune, pos int, key rune) ([]rune, int, bool) {
	if key != '?' || pos < 1 {
		return line, pos, false
	}
	// Strip the '?' that readline already inserted.
	cleanLine := make([]rune, 0, len(line)-1)
	cleanLine = append(cleanLine, line[:pos-1]...)
	cleanLine = append(cleanLine, line[pos:]...)
	words, partial := splitPartial(string(cleanLine[:pos-1]))
	candidates := cmdtree.CompleteFromTree(cmdtree.Tree, words, partial, c.store)
	if len(candidates) == 0 {
		c.rl.Stdout().Write([]byte("  <[Enter]>            Execute this command\n"))
		return cleanLine, pos - 1, true
	}
	cmdtree.WriteHelp(c.rl.Stdout(), candidates)
	return cleanLine, pos - 1, true
}
