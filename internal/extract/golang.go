package extract

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"codegraph/internal/identity"
)

// parseGo extracts top-level declarations and the import block. Methods
// are named "Receiver.Name" with pointer stars stripped. Struct and
// interface types map to the class entity since the graph schema has no
// separate type kind.
func (e *Extractor) parseGo(parser *sitter.Parser, content []byte) (Result, bool) {
	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return Result{}, false
	}
	defer tree.Close()

	var res Result
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		switch node.Type() {
		case "function_declaration":
			if name := childText(node, "name", content); name != "" {
				res.Entities = append(res.Entities, Entity{Name: name, Type: identity.EntityFunction, Line: int(node.StartPoint().Row) + 1})
			}

		case "method_declaration":
			name := childText(node, "name", content)
			if name == "" {
				continue
			}
			recv := goReceiverType(node, content)
			if recv != "" {
				name = recv + "." + name
			}
			res.Entities = append(res.Entities, Entity{Name: name, Type: identity.EntityMethod, Line: int(node.StartPoint().Row) + 1})

		case "type_declaration":
			for j := 0; j < int(node.NamedChildCount()); j++ {
				spec := node.NamedChild(j)
				if spec.Type() != "type_spec" {
					continue
				}
				if name := childText(spec, "name", content); name != "" {
					res.Entities = append(res.Entities, Entity{Name: name, Type: identity.EntityClass, Line: int(spec.StartPoint().Row) + 1})
				}
			}

		case "var_declaration", "const_declaration":
			for j := 0; j < int(node.NamedChildCount()); j++ {
				spec := node.NamedChild(j)
				if spec.Type() != "var_spec" && spec.Type() != "const_spec" {
					continue
				}
				for k := 0; k < int(spec.NamedChildCount()); k++ {
					id := spec.NamedChild(k)
					if id.Type() == "identifier" {
						res.Entities = append(res.Entities, Entity{Name: id.Content(content), Type: identity.EntityVariable, Line: int(id.StartPoint().Row) + 1})
					}
				}
			}

		case "import_declaration":
			collectGoImports(node, content, &res)
		}
	}
	return res, true
}

func collectGoImports(node *sitter.Node, content []byte, res *Result) {
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "import_spec" {
			if path := n.ChildByFieldName("path"); path != nil {
				res.Imports = append(res.Imports, Import{
					Module: strings.Trim(path.Content(content), `"`),
					Line:   int(n.StartPoint().Row) + 1,
				})
			}
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(node)
}

func goReceiverType(node *sitter.Node, content []byte) string {
	recv := node.ChildByFieldName("receiver")
	if recv == nil {
		return ""
	}
	text := recv.Content(content)
	text = strings.Trim(text, "()")
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	typ := fields[len(fields)-1]
	typ = strings.TrimPrefix(typ, "*")
	if i := strings.Index(typ, "["); i > 0 {
		typ = typ[:i]
	}
	return typ
}
