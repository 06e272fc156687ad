package extract

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"

	"codegraph/internal/identity"
)

// parsePython walks the AST for def/class declarations and import
// statements. Methods are functions nested inside a class body and are
// named "Class.method".
func (e *Extractor) parsePython(parser *sitter.Parser, content []byte) (Result, bool) {
	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return Result{}, false
	}
	defer tree.Close()

	var res Result
	walkPython(tree.RootNode(), content, "", &res)
	return res, true
}

func walkPython(node *sitter.Node, content []byte, class string, res *Result) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "function_definition":
			name := childText(child, "name", content)
			if name == "" {
				continue
			}
			line := int(child.StartPoint().Row) + 1
			if class != "" {
				res.Entities = append(res.Entities, Entity{Name: class + "." + name, Type: identity.EntityMethod, Line: line})
			} else {
				res.Entities = append(res.Entities, Entity{Name: name, Type: identity.EntityFunction, Line: line})
			}
			// Nested defs inside a function body are not walked; the
			// graph tracks module-level structure only.

		case "class_definition":
			name := childText(child, "name", content)
			if name == "" {
				continue
			}
			res.Entities = append(res.Entities, Entity{Name: name, Type: identity.EntityClass, Line: int(child.StartPoint().Row) + 1})
			if body := child.ChildByFieldName("body"); body != nil {
				walkPython(body, content, name, res)
			}

		case "import_statement":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				mod := child.NamedChild(j)
				if mod.Type() == "dotted_name" || mod.Type() == "aliased_import" {
					target := mod
					if mod.Type() == "aliased_import" {
						if n := mod.ChildByFieldName("name"); n != nil {
							target = n
						}
					}
					res.Imports = append(res.Imports, Import{
						Module: target.Content(content),
						Line:   int(child.StartPoint().Row) + 1,
					})
				}
			}

		case "import_from_statement":
			if mod := child.ChildByFieldName("module_name"); mod != nil {
				res.Imports = append(res.Imports, Import{
					Module: mod.Content(content),
					Line:   int(child.StartPoint().Row) + 1,
				})
			}

		case "decorated_definition", "block", "module", "if_statement", "try_statement":
			walkPython(child, content, class, res)
		}
	}
}

func childText(node *sitter.Node, field string, content []byte) string {
	c := node.ChildByFieldName(field)
	if c == nil {
		return ""
	}
	return c.Content(content)
}
