package extract

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"

	"codegraph/internal/identity"
)

// Line-scanner fallback. Catches the common declaration shapes with
// regexes; wrong for edge cases the AST parser handles, but good enough
// to keep the graph populated when tree-sitter cannot parse the file.
var (
	pyDefRe    = regexp.MustCompile(`^(\s*)def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	pyClassRe  = regexp.MustCompile(`^class\s+([A-Za-z_][A-Za-z0-9_]*)`)
	pyImportRe = regexp.MustCompile(`^(?:import\s+([A-Za-z_][A-Za-z0-9_.]*)|from\s+([A-Za-z_.][A-Za-z0-9_.]*)\s+import)`)

	goFuncRe   = regexp.MustCompile(`^func\s+(?:\(\s*\w+\s+\*?([A-Za-z_][A-Za-z0-9_]*)\s*\)\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	goTypeRe   = regexp.MustCompile(`^type\s+([A-Za-z_][A-Za-z0-9_]*)\s+(?:struct|interface)`)
	goImportRe = regexp.MustCompile(`^\s*(?:import\s+)?(?:\w+\s+)?"([^"]+)"`)

	jsFuncRe  = regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][A-Za-z0-9_$]*)`)
	jsClassRe = regexp.MustCompile(`^\s*(?:export\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)
	jsImpRe   = regexp.MustCompile(`^\s*import\s+.*from\s+['"]([^'"]+)['"]`)
)

func scanLines(lang string, content []byte) Result {
	var res Result
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	var class string
	inGoImports := false
	for sc.Scan() {
		line++
		text := sc.Text()

		switch lang {
		case "python":
			if m := pyClassRe.FindStringSubmatch(text); m != nil {
				class = m[1]
				res.Entities = append(res.Entities, Entity{Name: m[1], Type: identity.EntityClass, Line: line})
				continue
			}
			if m := pyDefRe.FindStringSubmatch(text); m != nil {
				indent, name := m[1], m[2]
				if indent != "" && class != "" {
					res.Entities = append(res.Entities, Entity{Name: class + "." + name, Type: identity.EntityMethod, Line: line})
				} else {
					if indent == "" {
						class = ""
					}
					res.Entities = append(res.Entities, Entity{Name: name, Type: identity.EntityFunction, Line: line})
				}
				continue
			}
			if strings.TrimSpace(text) != "" && !strings.HasPrefix(text, " ") && !strings.HasPrefix(text, "\t") {
				if !strings.HasPrefix(text, "class ") && !strings.HasPrefix(text, "@") && !strings.HasPrefix(text, "#") {
					class = ""
				}
			}
			if m := pyImportRe.FindStringSubmatch(text); m != nil {
				mod := m[1]
				if mod == "" {
					mod = m[2]
				}
				res.Imports = append(res.Imports, Import{Module: mod, Line: line})
			}

		case "go":
			if strings.HasPrefix(text, "import (") {
				inGoImports = true
				continue
			}
			if inGoImports {
				if strings.HasPrefix(text, ")") {
					inGoImports = false
					continue
				}
				if m := goImportRe.FindStringSubmatch(text); m != nil {
					res.Imports = append(res.Imports, Import{Module: m[1], Line: line})
				}
				continue
			}
			if strings.HasPrefix(text, `import "`) {
				if m := goImportRe.FindStringSubmatch(text); m != nil {
					res.Imports = append(res.Imports, Import{Module: m[1], Line: line})
				}
				continue
			}
			if m := goFuncRe.FindStringSubmatch(text); m != nil {
				if m[1] != "" {
					res.Entities = append(res.Entities, Entity{Name: m[1] + "." + m[2], Type: identity.EntityMethod, Line: line})
				} else {
					res.Entities = append(res.Entities, Entity{Name: m[2], Type: identity.EntityFunction, Line: line})
				}
				continue
			}
			if m := goTypeRe.FindStringSubmatch(text); m != nil {
				res.Entities = append(res.Entities, Entity{Name: m[1], Type: identity.EntityClass, Line: line})
			}

		case "javascript", "typescript":
			if m := jsFuncRe.FindStringSubmatch(text); m != nil {
				res.Entities = append(res.Entities, Entity{Name: m[1], Type: identity.EntityFunction, Line: line})
				continue
			}
			if m := jsClassRe.FindStringSubmatch(text); m != nil {
				res.Entities = append(res.Entities, Entity{Name: m[1], Type: identity.EntityClass, Line: line})
				continue
			}
			if m := jsImpRe.FindStringSubmatch(text); m != nil {
				res.Imports = append(res.Imports, Import{Module: m[1], Line: line})
			}
		}
	}
	return res
}
