package nginxconf

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNoScope is returned when the block to edit does not exist.
var ErrNoScope = errors.New("scope block not found")

// HasInclude reports whether `include <path>;` is a direct child of the first
// top-level scope block. An empty scope means the top level.
func HasInclude(src, scope, incPath string) (bool, error) {
	cfg, err := Parse(src)
	if err != nil {
		return false, err
	}
	ds, ok := scopeDirectives(cfg, scope)
	if !ok {
		return false, nil
	}
	return hasIncludeIn(ds, incPath), nil
}

func scopeDirectives(cfg *Config, scope string) ([]*Directive, bool) {
	if scope == "" {
		return cfg.Directives, true
	}
	d := cfg.Find(scope)
	if d == nil {
		return nil, false
	}
	return d.Block, true
}

func hasIncludeIn(ds []*Directive, incPath string) bool {
	for _, d := range ds {
		if isInclude(d, incPath) {
			return true
		}
	}
	return false
}

func isInclude(d *Directive, incPath string) bool {
	return !d.IsBlock && d.Name == "include" && len(d.Args) == 1 && d.Args[0] == incPath
}

// InsertInclude adds `include <path>;` as the last directive of the first
// top-level scope block, indented like its siblings. It reports false when
// the include is already there.
func InsertInclude(src, scope, incPath string) (string, bool, error) {
	cfg, err := Parse(src)
	if err != nil {
		return src, false, err
	}
	block := cfg.Find(scope)
	if block == nil {
		return src, false, fmt.Errorf("%w: %s", ErrNoScope, scope)
	}
	if hasIncludeIn(block.Block, incPath) {
		return src, false, nil
	}

	stmt := "include " + quoteArg(incPath) + ";"
	closeLine := lineStart(src, block.BlockClose)

	if strings.TrimSpace(src[closeLine:block.BlockClose]) == "" {
		indent := childIndent(src, block)
		return src[:closeLine] + indent + stmt + "\n" + src[closeLine:], true, nil
	}

	// Closing brace shares its line with other text, as in `http { ... }`.
	sep := ""
	if block.BlockClose > 0 && !isSpace(src[block.BlockClose-1]) {
		sep = " "
	}
	return src[:block.BlockClose] + sep + stmt + " " + src[block.BlockClose:], true, nil
}

// RemoveInclude deletes every `include <path>;` directive at any depth. A
// line holding nothing but the directive is removed entirely. Text that does
// not parse is returned unchanged.
func RemoveInclude(src, incPath string) (string, bool) {
	cfg, err := Parse(src)
	if err != nil {
		return src, false
	}

	var hits []*Directive
	cfg.Walk(func(d *Directive) {
		if isInclude(d, incPath) {
			hits = append(hits, d)
		}
	})
	if len(hits) == 0 {
		return src, false
	}

	out := src
	for i := len(hits) - 1; i >= 0; i-- {
		d := hits[i]
		ls := lineStart(out, d.Start)
		le := strings.IndexByte(out[d.End:], '\n')
		if le < 0 {
			le = len(out)
		} else {
			le += d.End
		}

		if strings.TrimSpace(out[ls:d.Start]) == "" && strings.TrimSpace(out[d.End:le]) == "" {
			if le < len(out) {
				le++
			}
			out = out[:ls] + out[le:]
			continue
		}

		end := d.End
		if end < len(out) && out[end] == ' ' {
			end++
		}
		out = out[:d.Start] + out[end:]
	}
	return out, true
}

// IncludesDir reports whether the first top-level scope block includes dir as
// `<dir>/*.conf` or `<dir>/*`, spelled absolute or relative to prefix.
func IncludesDir(src, scope, dir, prefix string) bool {
	cfg, err := Parse(src)
	if err != nil {
		return false
	}
	ds, ok := scopeDirectives(cfg, scope)
	if !ok {
		return false
	}

	dir = strings.TrimRight(dir, "/")
	targets := map[string]bool{
		dir + "/*.conf": true,
		dir + "/*":      true,
	}
	if prefix != "" {
		rel := strings.TrimPrefix(dir, strings.TrimRight(prefix, "/")+"/")
		if rel != dir {
			targets[rel+"/*.conf"] = true
			targets[rel+"/*"] = true
		}
	}

	for _, d := range ds {
		if d.IsBlock || d.Name != "include" || len(d.Args) != 1 {
			continue
		}
		if targets[path.Clean(d.Args[0])] || targets[d.Args[0]] {
			return true
		}
	}
	return false
}

func lineStart(src string, off int) int {
	return strings.LastIndexByte(src[:off], '\n') + 1
}

// childIndent returns the indentation of the block's first child, or the
// closing brace's indentation plus four spaces.
func childIndent(src string, block *Directive) string {
	if len(block.Block) > 0 {
		first := block.Block[0]
		ls := lineStart(src, first.Start)
		if ls > block.BlockOpen {
			if ind := src[ls:first.Start]; strings.TrimSpace(ind) == "" {
				return ind
			}
		}
	}
	closeLine := lineStart(src, block.BlockClose)
	return src[closeLine:block.BlockClose] + "    "
}

func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n;{}#\"'") {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
