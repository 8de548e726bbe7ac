package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

// DefaultCollection is the collection that holds one document per item name.
const DefaultCollection = "inventory"

var collectionPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Repository persists records through database/sql so storage backends stay swappable.
type Repository struct {
	db         *sql.DB
	collection string
}

var _ Store = (*Repository)(nil)

// NewRepository binds the handle to a collection. An empty collection selects DefaultCollection.
func NewRepository(db *sql.DB, collection string) (*Repository, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	if !collectionPattern.MatchString(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}
	return &Repository{db: db, collection: collection}, nil
}

// EnsureSchema creates the collection when the backend needs it.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	query := "CREATE TABLE IF NOT EXISTS " + r.collection + " (name TEXT PRIMARY KEY, quantity INTEGER NOT NULL)"
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return storeError("create", r.collection, err)
	}
	return nil
}

// Get reads a single document by its exact name.
func (r *Repository) Get(ctx context.Context, name string) (Record, bool, error) {
	query := "SELECT name, quantity FROM " + r.collection + " WHERE name = ?"
	var record Record
	err := r.db.QueryRowContext(ctx, query, name).Scan(&record.Name, &record.Quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, storeError("get", name, err)
	}
	return record, true, nil
}

// Put creates or fully replaces the document for record.Name.
func (r *Repository) Put(ctx context.Context, record Record) error {
	query := "INSERT INTO " + r.collection + " (name, quantity) VALUES (?, ?) " +
		"ON CONFLICT (name) DO UPDATE SET quantity = excluded.quantity"
	if _, err := r.db.ExecContext(ctx, query, record.Name, record.Quantity); err != nil {
		return storeError("put", record.Name, err)
	}
	return nil
}

// Delete removes the document. Deleting an absent name is not an error.
func (r *Repository) Delete(ctx context.Context, name string) error {
	query := "DELETE FROM " + r.collection + " WHERE name = ?"
	if _, err := r.db.ExecContext(ctx, query, name); err != nil {
		return storeError("delete", name, err)
	}
	return nil
}

// List fetches every document in the collection, in no particular order.
func (r *Repository) List(ctx context.Context) ([]Record, error) {
	query := "SELECT name, quantity FROM " + r.collection
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeError("list", "", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.Name, &record.Quantity); err != nil {
			return nil, storeError("list", "", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list", "", err)
	}
	return records, nil
}
