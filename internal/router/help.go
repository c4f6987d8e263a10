package router

import (
	"strings"
)

func (m *Manager) helpText(prefix string, path []string) string {
	m.mu.RLock()
	root, aliases := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		lines := []string{"📚 **Commands** (`" + prefix + " help <command>` for details):"}
		for _, name := range root.childNames() {
			n, _ := root.child(name)
			line := "• `" + prefix + " " + name + "`"
			if len(n.children) > 0 {
				line += " …"
			}
			if n.cmd != nil && n.cmd.Description != "" {
				line += " - " + n.cmd.Description
			}
			lines = append(lines, line)
		}
		return strings.Join(lines, "\n")
	}

	path = splitRoute(strings.Join(path, " "))
	n := root.find(path)
	if n == nil {
		if len(path) == 1 {
			if leaf, ok := aliases[path[0]]; ok && leaf.cmd != nil {
				return m.helpText(prefix, splitRoute(leaf.cmd.Route))
			}
		}
		return "command not found. try `" + prefix + " help`"
	}

	var lines []string
	if n.cmd != nil {
		c := n.cmd
		lines = append(lines, "📌 **"+c.Route+"**", c.Description)
		if c.Usage != "" {
			lines = append(lines, "Usage: `"+prefix+" "+c.Usage+"`")
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "Aliases: "+strings.Join(c.Aliases, ", "))
		}
		if c.Access == AccessAdmin {
			lines = append(lines, "Admins only.")
		}
	} else {
		lines = append(lines, "📚 **"+strings.Join(path, " ")+"** subcommands:")
	}
	for _, child := range n.childNames() {
		cn, _ := n.child(child)
		line := "• " + child
		if cn.cmd != nil && cn.cmd.Description != "" {
			line += " - " + cn.cmd.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(filterEmpty(lines), "\n")
}

func filterEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
