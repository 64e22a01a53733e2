// Package migrations holds the embedded schema migrations for the aggrelog
// database and a runner that applies them with golang-migrate.
//
// The aggregator applies the embedded set at startup (RUN_MIGRATIONS, default
// on); integration tests reuse the same set, so test schemas never drift from
// what the service deploys.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed *.sql
var files embed.FS

// FS returns the embedded migration files for use as a golang-migrate source.
func FS() fs.FS {
	return files
}

// List returns every embedded .sql filename in lexicographic order. The
// naming standard makes that order the application order: 001 before 002,
// and within a sequence the down file sorts before the up file.
func List() ([]string, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}

	sort.Strings(names)

	return names, nil
}

// Validate checks the embedded set before it is handed to golang-migrate:
// every file follows the NNN_name.(up|down).sql convention, every up has its
// down, the sequence starts at 001 with no gaps, and no file is empty.
func Validate() error {
	names, err := List()
	if err != nil {
		return err
	}

	if err := validateNames(names); err != nil {
		return err
	}

	for _, name := range names {
		content, err := fs.ReadFile(files, name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		if len(strings.TrimSpace(string(content))) == 0 {
			return fmt.Errorf("migration %s is empty", name)
		}
	}

	return nil
}

// validateNames enforces the naming, pairing, and sequence rules on a list of
// migration filenames.
func validateNames(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	// sequence -> direction -> seen
	directions := make(map[int]map[string]bool)

	for _, name := range names {
		seq, dir, err := parseName(name)
		if err != nil {
			return err
		}

		if directions[seq] == nil {
			directions[seq] = make(map[string]bool)
		}

		if directions[seq][dir] {
			return fmt.Errorf("duplicate %s migration for sequence %03d", dir, seq)
		}

		directions[seq][dir] = true
	}

	sequences := make([]int, 0, len(directions))
	for seq := range directions {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if want := i + 1; seq != want {
			return fmt.Errorf("migration sequence has a gap: expected %03d, found %03d", want, seq)
		}

		if !directions[seq]["up"] {
			return fmt.Errorf("sequence %03d has no up migration", seq)
		}

		if !directions[seq]["down"] {
			return fmt.Errorf("sequence %03d has no down migration", seq)
		}
	}

	return nil
}

// parseName splits NNN_name.(up|down).sql into sequence and direction.
func parseName(name string) (int, string, error) {
	base, ok := strings.CutSuffix(name, ".sql")
	if !ok {
		return 0, "", fmt.Errorf("unexpected migration filename %s: must end in .sql", name)
	}

	var dir string

	switch {
	case strings.HasSuffix(base, ".up"):
		dir = "up"
	case strings.HasSuffix(base, ".down"):
		dir = "down"
	default:
		return 0, "", fmt.Errorf("unexpected migration filename %s: want NNN_name.(up|down).sql", name)
	}

	base = strings.TrimSuffix(base, "."+dir)

	seqStr, rest, found := strings.Cut(base, "_")
	if !found || len(seqStr) != 3 || rest == "" {
		return 0, "", fmt.Errorf("unexpected migration filename %s: want NNN_name.(up|down).sql", name)
	}

	seq, err := strconv.Atoi(seqStr)
	if err != nil || seq <= 0 {
		return 0, "", fmt.Errorf("invalid sequence number in migration filename %s", name)
	}

	return seq, dir, nil
}
