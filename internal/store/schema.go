// Package store provides the durable local store for fieldsync collections.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	fielderrors "github.com/agridesk/fieldsync/internal/errors"
	"github.com/agridesk/fieldsync/internal/models"
)

// Index declares a secondary index over a JSON field of a collection's records.
type Index struct {
	Name  string
	Field string // JSON field name extracted from the record
}

// Collection declares a named record collection and its secondary indices.
type Collection struct {
	Name    string
	Indices []Index
}

// Schema declares the full set of record collections. The sync queue and the
// cache have fixed tables and are always present regardless of the schema.
type Schema struct {
	Collections []Collection
}

// DefaultSchema returns the schema used by the field-worker client.
func DefaultSchema() Schema {
	return Schema{
		Collections: []Collection{
			{
				Name: models.CollectionTasks,
				Indices: []Index{
					{Name: "status", Field: "status"},
					{Name: "priority", Field: "priority"},
					{Name: "assignedTo", Field: "assignedTo"},
				},
			},
			{
				Name: models.CollectionLeaveRequests,
				Indices: []Index{
					{Name: "status", Field: "status"},
				},
			},
			{
				Name: models.CollectionPendingMedia,
				Indices: []Index{
					{Name: "taskKey", Field: "taskKey"},
				},
			},
		},
	}
}

var identRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// validate checks collection and index identifiers before they are spliced
// into SQL statements.
func (s Schema) validate() error {
	seen := make(map[string]bool)
	for _, c := range s.Collections {
		if !identRegex.MatchString(c.Name) {
			return fielderrors.New(fielderrors.ErrSchema,
				fmt.Sprintf("invalid collection name: %q", c.Name))
		}
		if seen[c.Name] {
			return fielderrors.New(fielderrors.ErrSchema,
				fmt.Sprintf("duplicate collection: %q", c.Name))
		}
		seen[c.Name] = true

		idxSeen := make(map[string]bool)
		for _, idx := range c.Indices {
			if !identRegex.MatchString(idx.Name) || !identRegex.MatchString(idx.Field) {
				return fielderrors.New(fielderrors.ErrSchema,
					fmt.Sprintf("invalid index declaration %q on %q", idx.Name, c.Name))
			}
			if idxSeen[idx.Name] {
				return fielderrors.New(fielderrors.ErrSchema,
					fmt.Sprintf("duplicate index %q on %q", idx.Name, c.Name))
			}
			idxSeen[idx.Name] = true
		}
	}
	return nil
}

// signature returns a canonical JSON fingerprint of a collection's index set,
// recorded in schema_collections so incompatible upgrades can be detected.
func signature(c Collection) string {
	pairs := make(map[string]string, len(c.Indices))
	for _, idx := range c.Indices {
		pairs[idx.Name] = idx.Field
	}
	names := make([]string, 0, len(pairs))
	for n := range pairs {
		names = append(names, n)
	}
	sort.Strings(names)

	ordered := make([][2]string, 0, len(names))
	for _, n := range names {
		ordered = append(ordered, [2]string{n, pairs[n]})
	}
	data, _ := json.Marshal(ordered)
	return string(data)
}

func tableName(collection string) string {
	return "c_" + collection
}

func indexColumn(index string) string {
	return "idx_" + index
}

// apply creates or upgrades the fixed tables and every declared collection
// inside a single transaction. Adding an index to an existing collection is a
// compatible upgrade (the column is added and backfilled); redefining an
// existing index name to a different field is not and fails with SCHEMA_ERROR.
func apply(tx *sql.Tx, schema Schema) error {
	fixed := []string{
		`CREATE TABLE IF NOT EXISTS schema_collections (
			name TEXT PRIMARY KEY,
			signature TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			mutation_type TEXT NOT NULL,
			target_collection TEXT NOT NULL,
			record_key TEXT NOT NULL,
			payload TEXT,
			enqueued_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			written_at INTEGER NOT NULL,
			ttl_millis INTEGER NOT NULL
		);`,
	}
	for _, stmt := range fixed {
		if _, err := tx.Exec(stmt); err != nil {
			return fielderrors.Wrap(fielderrors.ErrSchema, "failed to create fixed tables", err)
		}
	}

	for _, c := range schema.Collections {
		if err := applyCollection(tx, c); err != nil {
			return err
		}
	}
	return nil
}

func applyCollection(tx *sql.Tx, c Collection) error {
	var existing string
	err := tx.QueryRow("SELECT signature FROM schema_collections WHERE name = ?", c.Name).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		return createCollection(tx, c)
	case err != nil:
		return fielderrors.Wrap(fielderrors.ErrSchema, "failed to read collection signature", err)
	}

	want := signature(c)
	if existing == want {
		return nil
	}
	return upgradeCollection(tx, c, existing)
}

func createCollection(tx *sql.Tx, c Collection) error {
	table := tableName(c.Name)

	cols := "key TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL"
	for _, idx := range c.Indices {
		cols += fmt.Sprintf(", %s TEXT", indexColumn(idx.Name))
	}
	if _, err := tx.Exec(fmt.Sprintf("CREATE TABLE %s (%s);", table, cols)); err != nil {
		return fielderrors.Wrap(fielderrors.ErrSchema,
			fmt.Sprintf("failed to create collection %q", c.Name), err)
	}

	for _, idx := range c.Indices {
		stmt := fmt.Sprintf("CREATE INDEX %s_%s ON %s (%s);",
			table, indexColumn(idx.Name), table, indexColumn(idx.Name))
		if _, err := tx.Exec(stmt); err != nil {
			return fielderrors.Wrap(fielderrors.ErrSchema,
				fmt.Sprintf("failed to create index %q on %q", idx.Name, c.Name), err)
		}
	}

	return recordSignature(tx, c)
}

func upgradeCollection(tx *sql.Tx, c Collection, existingSig string) error {
	var existing [][2]string
	if err := json.Unmarshal([]byte(existingSig), &existing); err != nil {
		return fielderrors.Wrap(fielderrors.ErrSchema,
			fmt.Sprintf("corrupt signature for collection %q", c.Name), err)
	}
	current := make(map[string]string, len(existing))
	for _, pair := range existing {
		current[pair[0]] = pair[1]
	}

	table := tableName(c.Name)
	for _, idx := range c.Indices {
		field, known := current[idx.Name]
		if known {
			if field != idx.Field {
				return fielderrors.New(fielderrors.ErrSchema,
					fmt.Sprintf("index %q on %q already bound to field %q, cannot rebind to %q",
						idx.Name, c.Name, field, idx.Field))
			}
			continue
		}

		col := indexColumn(idx.Name)
		if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT;", table, col)); err != nil {
			return fielderrors.Wrap(fielderrors.ErrSchema,
				fmt.Sprintf("failed to add index column %q on %q", idx.Name, c.Name), err)
		}
		backfill := fmt.Sprintf("UPDATE %s SET %s = json_extract(data, '$.%s');", table, col, idx.Field)
		if _, err := tx.Exec(backfill); err != nil {
			return fielderrors.Wrap(fielderrors.ErrSchema,
				fmt.Sprintf("failed to backfill index %q on %q", idx.Name, c.Name), err)
		}
		stmt := fmt.Sprintf("CREATE INDEX %s_%s ON %s (%s);", table, col, table, col)
		if _, err := tx.Exec(stmt); err != nil {
			return fielderrors.Wrap(fielderrors.ErrSchema,
				fmt.Sprintf("failed to create index %q on %q", idx.Name, c.Name), err)
		}
	}

	return recordSignature(tx, c)
}

func recordSignature(tx *sql.Tx, c Collection) error {
	query := `INSERT INTO schema_collections (name, signature, updated_at) VALUES (?, ?, ?)
			  ON CONFLICT(name) DO UPDATE SET signature = excluded.signature, updated_at = excluded.updated_at`
	if _, err := tx.Exec(query, c.Name, signature(c), time.Now().Unix()); err != nil {
		return fielderrors.Wrap(fielderrors.ErrSchema,
			fmt.Sprintf("failed to record signature for %q", c.Name), err)
	}
	return nil
}
