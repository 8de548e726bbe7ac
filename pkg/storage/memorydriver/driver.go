// Package memorydriver is a database/sql driver over an in-process document store.
//
// Each table is a collection of documents keyed by their exact name with a body of
// {"quantity": n}. Every access goes through one goroutine; the state is mirrored to a JSON
// snapshot file after each mutation when a path is configured.
package memorydriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned for statements executed after the store shut down.
var ErrClosed = errors.New("memory store is closed")

// document is the persisted body of one item.
type document struct {
	Quantity int64 `json:"quantity"`
}

// snapshot is written to disk after each mutation so the driver survives restarts.
type snapshot struct {
	Collections map[string]map[string]document `json:"collections"`
}

// storeCommand models every operation executed against the in-memory store.
type storeCommand struct {
	action     string
	collection string
	name       string
	quantity   int64
	reply      chan storeResult
}

// storeResult transfers either the matched rows, the affected count, or an error.
type storeResult struct {
	rows     []row
	affected int64
	err      error
}

type row struct {
	name     string
	quantity int64
}

// store keeps the collections guarded by a dedicated goroutine.
type store struct {
	commands        chan storeCommand
	closed          chan struct{}
	done            chan struct{}
	persistDone     chan struct{}
	persistRequests chan snapshot
	closeOnce       sync.Once
	collections     map[string]map[string]document
	snapshotPath    string
}

// newStore creates a store and spins the goroutines so every access flows through a channel.
func newStore(path string) (*store, error) {
	loaded, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}
	s := &store{
		commands:        make(chan storeCommand, 32),
		closed:          make(chan struct{}),
		done:            make(chan struct{}),
		persistDone:     make(chan struct{}),
		persistRequests: make(chan snapshot, 1),
		collections:     make(map[string]map[string]document),
		snapshotPath:    path,
	}
	if loaded != nil {
		for name, docs := range loaded.Collections {
			if docs == nil {
				docs = make(map[string]document)
			}
			s.collections[name] = docs
		}
	}
	go s.loop()
	go s.persistenceLoop()
	return s, nil
}

// loop serializes every mutation and read request to keep the state safe without mutexes.
func (s *store) loop() {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.commands:
			cmd.reply <- s.apply(cmd)
		case <-s.closed:
			return
		}
	}
}

func (s *store) apply(cmd storeCommand) storeResult {
	switch cmd.action {
	case "create":
		if _, ok := s.collections[cmd.collection]; !ok {
			s.collections[cmd.collection] = make(map[string]document)
			s.queuePersist()
		}
		return storeResult{}
	case "selectOne":
		doc, ok := s.collections[cmd.collection][cmd.name]
		if !ok {
			return storeResult{}
		}
		return storeResult{rows: []row{{name: cmd.name, quantity: doc.Quantity}}}
	case "selectAll":
		docs := s.collections[cmd.collection]
		rows := make([]row, 0, len(docs))
		for name, doc := range docs {
			rows = append(rows, row{name: name, quantity: doc.Quantity})
		}
		return storeResult{rows: rows}
	case "upsert":
		docs := s.collections[cmd.collection]
		if docs == nil {
			docs = make(map[string]document)
			s.collections[cmd.collection] = docs
		}
		docs[cmd.name] = document{Quantity: cmd.quantity}
		s.queuePersist()
		return storeResult{affected: 1}
	case "delete":
		docs := s.collections[cmd.collection]
		if _, ok := docs[cmd.name]; !ok {
			return storeResult{}
		}
		delete(docs, cmd.name)
		s.queuePersist()
		return storeResult{affected: 1}
	default:
		return storeResult{err: fmt.Errorf("unsupported action %s", cmd.action)}
	}
}

// persistenceLoop writes snapshots asynchronously so the main loop stays responsive.
func (s *store) persistenceLoop() {
	defer close(s.persistDone)
	for {
		select {
		case snap := <-s.persistRequests:
			_ = writeSnapshot(s.snapshotPath, snap)
		case <-s.closed:
			return
		}
	}
}

// queuePersist hands the current state to the background writer without blocking.
// Only the latest pending snapshot is kept.
func (s *store) queuePersist() {
	if s.snapshotPath == "" {
		return
	}
	snap := s.snapshot()
	select {
	case s.persistRequests <- snap:
	default:
		select {
		case <-s.persistRequests:
		default:
		}
		s.persistRequests <- snap
	}
}

func (s *store) snapshot() snapshot {
	out := snapshot{Collections: make(map[string]map[string]document, len(s.collections))}
	for name, docs := range s.collections {
		cloned := make(map[string]document, len(docs))
		for id, doc := range docs {
			cloned[id] = doc
		}
		out.Collections[name] = cloned
	}
	return out
}

// close stops both goroutines and writes the final state synchronously.
func (s *store) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		<-s.done
		<-s.persistDone
		if s.snapshotPath != "" {
			err = writeSnapshot(s.snapshotPath, s.snapshot())
		}
	})
	return err
}

// send enqueues cmd and waits for the loop's answer.
func (s *store) send(cmd storeCommand) storeResult {
	cmd.reply = make(chan storeResult, 1)
	select {
	case s.commands <- cmd:
	case <-s.closed:
		return storeResult{err: ErrClosed}
	case <-time.After(2 * time.Second):
		return storeResult{err: errors.New("timed out while enqueuing command")}
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-s.done:
		return storeResult{err: ErrClosed}
	}
}

// Driver exposes the store to database/sql.
type Driver struct {
	store *store
}

// Open creates a connection that forwards calls to the shared store.
func (d *Driver) Open(name string) (driver.Conn, error) {
	if d.store == nil {
		return nil, errors.New("memory driver store is not initialized")
	}
	return &conn{store: d.store}, nil
}

// connector lets sql.OpenDB bind a specific store without global registration.
type connector struct {
	driver *Driver
}

func (c *connector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open("")
}

func (c *connector) Driver() driver.Driver { return c.driver }

// conn represents a lightweight connection object; every operation still travels through channels.
type conn struct {
	store *store
}

// Prepare recognises the small statement vocabulary of the inventory repository.
func (c *conn) Prepare(query string) (driver.Stmt, error) {
	action, collection, err := parseStatement(query)
	if err != nil {
		return nil, err
	}
	return &stmt{store: c.store, action: action, collection: collection}, nil
}

// Close is a no-op because the shared store owns the lifecycle.
func (c *conn) Close() error { return nil }

// Begin is not implemented because the store offers no transactions.
func (c *conn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions are not supported by the memory driver")
}

// parseStatement maps SQL text onto a store action and the collection it targets.
func parseStatement(query string) (string, string, error) {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	fields := strings.Fields(strings.NewReplacer("(", " ( ", ")", " ) ").Replace(normalized))
	if len(fields) < 3 {
		return "", "", fmt.Errorf("unsupported query: %s", query)
	}
	switch {
	case strings.HasPrefix(normalized, "create table if not exists ") && len(fields) > 5:
		return "create", fields[5], nil
	case strings.HasPrefix(normalized, "create table "):
		return "create", fields[2], nil
	case fields[0] == "select":
		from := indexOf(fields, "from")
		if from < 0 || from+1 >= len(fields) {
			return "", "", fmt.Errorf("unsupported query: %s", query)
		}
		if indexOf(fields, "where") > from {
			return "selectOne", fields[from+1], nil
		}
		return "selectAll", fields[from+1], nil
	case strings.HasPrefix(normalized, "insert into "):
		return "upsert", fields[2], nil
	case strings.HasPrefix(normalized, "delete from "):
		return "delete", fields[2], nil
	default:
		return "", "", fmt.Errorf("unsupported query: %s", query)
	}
}

func indexOf(fields []string, want string) int {
	for i, f := range fields {
		if f == want {
			return i
		}
	}
	return -1
}

// stmt forwards Exec and Query to the store with the data shaped for each case.
type stmt struct {
	store      *store
	action     string
	collection string
}

// Close is a no-op since statements do not maintain resources in this simple driver.
func (s *stmt) Close() error { return nil }

// NumInput returns -1 so database/sql accepts any argument count.
func (s *stmt) NumInput() int { return -1 }

// Exec handles the mutation statements supported by the driver.
func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	cmd := storeCommand{action: s.action, collection: s.collection}
	switch s.action {
	case "create":
	case "upsert":
		if len(args) < 2 {
			return nil, fmt.Errorf("expected 2 arguments, got %d", len(args))
		}
		cmd.name = toString(args[0])
		cmd.quantity = toInt64(args[1])
	case "delete":
		if len(args) < 1 {
			return nil, errors.New("expected name for delete")
		}
		cmd.name = toString(args[0])
	default:
		return nil, fmt.Errorf("unsupported exec action %s", s.action)
	}

	res := s.store.send(cmd)
	if res.err != nil {
		return nil, res.err
	}
	return execResult{affected: res.affected}, nil
}

// Query fetches matching documents and converts them into driver.Rows.
func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	cmd := storeCommand{action: s.action, collection: s.collection}
	switch s.action {
	case "selectOne":
		if len(args) < 1 {
			return nil, errors.New("expected name for select")
		}
		cmd.name = toString(args[0])
	case "selectAll":
	default:
		return nil, errors.New("query only supports selects")
	}

	res := s.store.send(cmd)
	if res.err != nil {
		return nil, res.err
	}
	return &rows{rows: res.rows}, nil
}

// execResult fulfills the driver.Result interface.
type execResult struct {
	affected int64
}

func (r execResult) LastInsertId() (int64, error) {
	return 0, errors.New("memory driver does not generate ids")
}

func (r execResult) RowsAffected() (int64, error) { return r.affected, nil }

// rows iterates through the matched documents.
type rows struct {
	rows  []row
	index int
}

// Columns aligns with the SELECT projection used by the repository.
func (r *rows) Columns() []string { return []string{"name", "quantity"} }

// Close is a no-op for the lightweight row iterator.
func (r *rows) Close() error { return nil }

// Next writes the next document into dest.
func (r *rows) Next(dest []driver.Value) error {
	if r.index >= len(r.rows) {
		return io.EOF
	}
	record := r.rows[r.index]
	r.index++
	dest[0] = record.name
	dest[1] = record.quantity
	return nil
}

// toString converts driver.Value into a usable string.
func toString(value driver.Value) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// toInt64 converts driver.Value to int64 for quantities.
func toInt64(value driver.Value) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	case string:
		var parsed int64
		fmt.Sscanf(v, "%d", &parsed)
		return parsed
	default:
		return 0
	}
}

// Open starts a store backed by the snapshot at path (empty keeps everything in memory)
// and returns a database handle plus a cleanup that flushes the final state.
func Open(path string) (*sql.DB, func() error, error) {
	store, err := newStore(path)
	if err != nil {
		return nil, func() error { return nil }, err
	}
	db := sql.OpenDB(&connector{driver: &Driver{store: store}})
	cleanup := func() error {
		dbErr := db.Close()
		return errors.Join(dbErr, store.close())
	}
	return db, cleanup, nil
}

// DefaultPath places the snapshot next to the working directory.
func DefaultPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, "pantrycam-data.json"), nil
}

// readSnapshot loads the persisted JSON file if it exists.
func readSnapshot(path string) (*snapshot, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// writeSnapshot persists the state through a temp file and rename.
func writeSnapshot(path string, snap snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(temp, path)
}
