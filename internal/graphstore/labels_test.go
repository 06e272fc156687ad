package graphstore

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// rawLabelPattern matches a Cypher node pattern with a hardcoded label,
// e.g. "(n:File {" or "MERGE (f:PROJECT". Production code must build
// labels from the identity enum and interpolate them, never inline them.
var rawLabelPattern = regexp.MustCompile(
	`\(\s*\w*\s*:(File|Directory|PROJECT|Function|Class|Method|Variable|Concept|Pattern|CodeExample|Document)\b`)

func TestNoRawLabelLiteralsInProductionCode(t *testing.T) {
	roots := []string{".", "../pipeline", "../vectorstore"}
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if os.IsNotExist(err) {
			continue
		}
		require.NoError(t, err)
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(root, name))
			require.NoError(t, err)
			if m := rawLabelPattern.Find(data); m != nil {
				t.Errorf("%s/%s hardcodes a graph label in a query: %q", root, name, m)
			}
		}
	}
}
