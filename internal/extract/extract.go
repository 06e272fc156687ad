// Package extract derives code entities and import edges locally when
// the intelligence service returns none. Tree-sitter gives accurate AST
// extraction for Python and Go; everything else falls back to a line
// scanner that catches the common declaration shapes.
package extract

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"

	"codegraph/internal/identity"
	"codegraph/internal/logging"
)

// Entity is one declaration found in a source file.
type Entity struct {
	Name string
	Type identity.EntityType
	Line int
}

// Import is one module/package reference found in a source file.
type Import struct {
	Module string
	Line   int
}

// Result holds everything extracted from one file.
type Result struct {
	Entities []Entity
	Imports  []Import
	Language string
}

// Extractor parses source files. Parsers are pooled because tree-sitter
// parsers are not safe for concurrent use.
type Extractor struct {
	goPool sync.Pool
	pyPool sync.Pool
	once   sync.Once
}

// New creates an extractor.
func New() *Extractor {
	return &Extractor{}
}

func (e *Extractor) init() {
	e.once.Do(func() {
		e.goPool.New = func() any {
			p := sitter.NewParser()
			p.SetLanguage(golang.GetLanguage())
			return p
		}
		e.pyPool.New = func() any {
			p := sitter.NewParser()
			p.SetLanguage(python.GetLanguage())
			return p
		}
	})
}

// Extract parses content according to the file's extension. Unsupported
// languages and parse failures degrade to the line scanner rather than
// erroring; an extraction fallback that itself fails the file would
// defeat its purpose.
func (e *Extractor) Extract(path string, content []byte) Result {
	e.init()
	lang := DetectLanguage(path)

	switch lang {
	case "python":
		parser := e.pyPool.Get().(*sitter.Parser)
		defer e.pyPool.Put(parser)
		if res, ok := e.parsePython(parser, content); ok {
			res.Language = lang
			return res
		}
	case "go":
		parser := e.goPool.Get().(*sitter.Parser)
		defer e.goPool.Put(parser)
		if res, ok := e.parseGo(parser, content); ok {
			res.Language = lang
			return res
		}
	}

	logging.Get(logging.CategoryPipeline).Debug("extract: line-scanner fallback for %s (%s)", path, lang)
	res := scanLines(lang, content)
	res.Language = lang
	return res
}

// DetectLanguage maps a file extension to a language name.
func DetectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py", ".pyi":
		return "python"
	case ".go":
		return "go"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".md", ".rst", ".txt":
		return "text"
	default:
		return "unknown"
	}
}
