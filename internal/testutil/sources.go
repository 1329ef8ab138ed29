package testutil

import (
	"github.com/dop251/goja_nodejs/require"
)

// MapSourceLoader serves module sources from memory, keyed by slash
// separated absolute path.
func MapSourceLoader(files map[string]string) require.SourceLoader {
	return func(path string) ([]byte, error) {
		src, ok := files[path]
		if !ok {
			return nil, require.ModuleFileDoesNotExistError
		}
		return []byte(src), nil
	}
}
