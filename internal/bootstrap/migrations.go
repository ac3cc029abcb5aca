package bootstrap

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"arc-framework/ignite/internal/store"
)

//go:embed migrations
var embeddedMigrations embed.FS

// DefaultMigrations returns the schema shipped with the binary for the given
// SQL dialect ("postgres" or "sqlite").
func DefaultMigrations(dialect string) ([]store.Migration, error) {
	return LoadMigrations(embeddedMigrations, path.Join("migrations", dialect))
}

// LoadMigrationsDir reads migrations from a directory on disk.
func LoadMigrationsDir(dir string) ([]store.Migration, error) {
	return LoadMigrations(os.DirFS(dir), ".")
}

// LoadMigrations reads every "<version>_<name>.sql" file in dir and returns
// them in ascending version order, whatever order the filesystem lists them.
// Duplicate versions are rejected.
func LoadMigrations(fsys fs.FS, dir string) ([]store.Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations from %s: %w", dir, err)
	}

	var out []store.Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, name, err := store.ParseMigrationID(strings.TrimSuffix(e.Name(), ".sql"))
		if err != nil {
			return nil, err
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", e.Name(), err)
		}
		out = append(out, store.Migration{Version: version, Name: name, SQL: string(body)})
	}

	return SortMigrations(out)
}

// SortMigrations returns a copy of ms in ascending version order.
func SortMigrations(ms []store.Migration) ([]store.Migration, error) {
	sorted := append([]store.Migration(nil), ms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Version == sorted[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d (%s, %s)",
				sorted[i].Version, sorted[i-1].ID(), sorted[i].ID())
		}
	}
	return sorted, nil
}
