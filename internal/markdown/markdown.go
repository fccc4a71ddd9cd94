// Package markdown turns the summarization JSON object into markdown
// headings and paragraphs.
package markdown

import (
	"fmt"
	"strings"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/ast"
)

// DefaultMaxDepth is the deepest heading level produced. Objects nested below
// it are written as raw JSON under their heading.
const DefaultMaxDepth = 6

type frame struct {
	it    ast.ObjectIterator
	level int
}

// FromJSON converts a JSON object into markdown. Keys keep document order and
// become headings ("#" per level); nested objects become deeper headings;
// strings are written unquoted and other values as raw JSON.
func FromJSON(data []byte, maxDepth int) (string, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	root, err := sonic.Get(data)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrExternalService, "markdown", "parse summary", err)
	}
	if root.TypeSafe() != ast.V_OBJECT {
		return "", apperr.Wrap(apperr.ErrExternalService, "markdown", "parse summary", fmt.Errorf("want a JSON object"))
	}
	it, err := root.Properties()
	if err != nil {
		return "", apperr.Wrap(apperr.ErrExternalService, "markdown", "parse summary", err)
	}

	var lines []string
	stack := []frame{{it: it, level: 1}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		var p ast.Pair
		if !top.it.Next(&p) {
			stack = stack[:len(stack)-1]
			continue
		}
		level := top.level
		lines = append(lines, strings.Repeat("#", level)+" "+p.Key)

		v := p.Value
		if v.TypeSafe() == ast.V_OBJECT && level < maxDepth {
			child, err := v.Properties()
			if err != nil {
				return "", apperr.Wrap(apperr.ErrExternalService, "markdown", "parse summary", err)
			}
			stack = append(stack, frame{it: child, level: level + 1})
			continue
		}
		text, err := scalar(&v)
		if err != nil {
			return "", apperr.Wrap(apperr.ErrExternalService, "markdown", "parse summary", err)
		}
		lines = append(lines, text)
	}
	return strings.Join(lines, "\n"), nil
}

func scalar(v *ast.Node) (string, error) {
	if v.TypeSafe() == ast.V_STRING {
		return v.String()
	}
	return v.Raw()
}
