// Package bundle implements the persistent, tabular bundle store spec.md
// §6 specifies as an external collaborator: a SQLite database exposing
// entry_points, bindings and depends_ons. Grounded on
// original_source/src/bundle_reader.hpp/.cpp, which opens the bundle with
// sqlite3_open and queries the same three relations with prepared
// statements; this package does the same over database/sql with the
// pure-Go driver modernc.org/sqlite.
package bundle

import (
	"database/sql"
	"fmt"

	"github.com/emirpasic/gods/sets/hashset"
	_ "modernc.org/sqlite"

	"github.com/sfkleach/nutmeg-run/internal/diagnostics"
)

const op = "bundle"

// Binding is one row of the bindings table: a named, possibly lazy value
// whose payload is a compiled function's declarative instruction list, as
// unparsed JSON text (internal/planter decodes it against the strict
// schema spec.md §6 gives).
type Binding struct {
	IdName   string
	Lazy     bool
	Value    string
	FileName string
}

const schema = `
CREATE TABLE IF NOT EXISTS entry_points (id_name TEXT PRIMARY KEY);
CREATE TABLE IF NOT EXISTS bindings (
    id_name   TEXT PRIMARY KEY,
    lazy      INTEGER NOT NULL,
    value     TEXT NOT NULL,
    file_name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS depends_ons (id_name TEXT NOT NULL, needs TEXT NOT NULL);
`

// Reader is a read-only handle onto a bundle file.
type Reader struct {
	db *sql.DB
}

// Open opens the SQLite database at path, creating the three relations if
// the file is fresh (so a brand-new bundle file works for tests without a
// separate migration step).
func Open(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, diagnostics.New(diagnostics.Bundle, op, fmt.Errorf("failed to open bundle file %q: %w", path, err))
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, diagnostics.New(diagnostics.Bundle, op, fmt.Errorf("failed to initialise schema in %q: %w", path, err))
	}
	return &Reader{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

// EntryPoints lists every declared entry point, in the order SQLite
// returns them.
func (r *Reader) EntryPoints() ([]string, error) {
	rows, err := r.db.Query("SELECT id_name FROM entry_points")
	if err != nil {
		return nil, diagnostics.New(diagnostics.Bundle, op, fmt.Errorf("failed to query entry_points: %w", err))
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, diagnostics.New(diagnostics.Bundle, op, fmt.Errorf("failed to read entry_points row: %w", err))
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, diagnostics.New(diagnostics.Bundle, op, fmt.Errorf("failed to iterate entry_points: %w", err))
	}
	return names, nil
}

// GetBinding fetches the binding row for idName.
func (r *Reader) GetBinding(idName string) (Binding, error) {
	row := r.db.QueryRow("SELECT id_name, lazy, value, file_name FROM bindings WHERE id_name = ?", idName)
	var b Binding
	var lazy int
	if err := row.Scan(&b.IdName, &lazy, &b.Value, &b.FileName); err != nil {
		if err == sql.ErrNoRows {
			return Binding{}, diagnostics.Newf(diagnostics.Bundle, op, "binding not found: %s", idName)
		}
		return Binding{}, diagnostics.New(diagnostics.Bundle, op, fmt.Errorf("failed to read binding %q: %w", idName, err))
	}
	b.Lazy = lazy != 0
	return b, nil
}

func (r *Reader) directDependencies(idName string) ([]string, error) {
	rows, err := r.db.Query("SELECT needs FROM depends_ons WHERE id_name = ?", idName)
	if err != nil {
		return nil, diagnostics.New(diagnostics.Bundle, op, fmt.Errorf("failed to query depends_ons for %q: %w", idName, err))
	}
	defer rows.Close()

	var needs []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, diagnostics.New(diagnostics.Bundle, op, fmt.Errorf("failed to read depends_ons row for %q: %w", idName, err))
		}
		needs = append(needs, n)
	}
	if err := rows.Err(); err != nil {
		return nil, diagnostics.New(diagnostics.Bundle, op, fmt.Errorf("failed to iterate depends_ons for %q: %w", idName, err))
	}
	return needs, nil
}

// GetDependencies transitively computes idName's dependency set, keyed by
// name with each name's own declared laziness — idName itself is included,
// mirroring the original's get_dependencies_recursive, which seeds the
// result with the root before walking depends_ons. The recursion's
// cycle guard is a hashset.Set of names already visited, so a dependency
// cycle terminates the walk rather than looping forever.
func (r *Reader) GetDependencies(idName string) (map[string]bool, error) {
	visited := hashset.New()
	deps := make(map[string]bool)
	if err := r.collectDependencies(idName, visited, deps); err != nil {
		return nil, err
	}
	return deps, nil
}

func (r *Reader) collectDependencies(idName string, visited *hashset.Set, deps map[string]bool) error {
	if visited.Contains(idName) {
		return nil
	}
	visited.Add(idName)

	binding, err := r.GetBinding(idName)
	if err != nil {
		return err
	}
	deps[idName] = binding.Lazy

	needs, err := r.directDependencies(idName)
	if err != nil {
		return err
	}
	for _, need := range needs {
		if err := r.collectDependencies(need, visited, deps); err != nil {
			return err
		}
	}
	return nil
}
