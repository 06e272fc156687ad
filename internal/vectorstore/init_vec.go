//go:build sqlite_vec && cgo

package vectorstore

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver.
	// vec.Auto() registers it as an auto-loadable extension; probeVec then
	// finds vec0 available and the embedded store uses the ANN path.
	vec.Auto()
}
