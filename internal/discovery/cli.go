package discovery

import (
	"os"
	"path/filepath"
)

// DiscoverCLIPath implements spec.md §4.8's CLI path discovery precedence:
// EPILOOP_CLI_PATH env var, else a sibling of the current executable, else
// argv[1] if it names a file, else ./dist/index.js, else ./bin/epiloop.js.
func DiscoverCLIPath(argv []string) string {
	if p := os.Getenv("EPILOOP_CLI_PATH"); p != "" {
		return p
	}

	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "epiloop")
		if fileExists(sibling) {
			return sibling
		}
	}

	if len(argv) > 1 && fileExists(argv[1]) {
		return argv[1]
	}

	if fileExists("./dist/index.js") {
		return "./dist/index.js"
	}
	return "./bin/epiloop.js"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
