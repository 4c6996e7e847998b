// Package store provides the SQLite-backed persistence layer for one
// knowledge base: the chunk table with embeddings, a full-text index that
// mirrors it, and the per-file content-hash records used for incremental
// re-indexing. Each knowledge base is a single database file and therefore a
// single durable unit.
//
// The full-text index is maintained by triggers in the same transaction as
// every chunk write, so it can never diverge from the chunk table. Chunk ids
// are allocated by SQLite AUTOINCREMENT and are strictly increasing for the
// lifetime of the knowledge base — deleted ids are never reused.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Chunk is one retrievable span of text with its embedding.
type Chunk struct {
	// ID is the knowledge-base-wide unique chunk id.
	ID int64
	// Doc is the source document identifier (path relative to the KB root).
	Doc string
	// ChunkID is the 0-based position of this chunk within its document.
	ChunkID int
	// Text is the normalized chunk text.
	Text string
	// Embedding is the chunk's embedding vector.
	Embedding []float32
}

// FileRecord tracks the content hash of one ingested document.
type FileRecord struct {
	// Doc is the document identifier.
	Doc string
	// ContentHash is the hex SHA-256 of the raw file bytes.
	ContentHash string
	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time
}

// CachedExample is one few-shot example persisted in the cache table.
type CachedExample struct {
	// Input is the canonical input text of the example.
	Input string
	// Output is the expected output text.
	Output string
	// Embedding is the embedding of Input under the cached model.
	Embedding []float32
}

// KB is an open knowledge base database. It is safe for concurrent use; the
// connection pool is limited to a single connection so SQLite writes are
// serialized (including chunk id allocation).
type KB struct {
	// name is the knowledge-base label used in retrieval hits.
	name string
	// path is the database file path.
	path string
	// db is the underlying connection pool.
	db *sql.DB
}

// Open opens (or creates) a knowledge base database at the given path and
// runs the schema migration. Use ":memory:" in tests.
func Open(name, path string) (*KB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection avoids SQLITE_BUSY and serializes id allocation.
	db.SetMaxOpenConns(1)

	kb := &KB{name: name, path: path, db: db}
	if err := kb.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return kb, nil
}

// Name returns the knowledge-base label.
func (kb *KB) Name() string { return kb.name }

// Path returns the database file path.
func (kb *KB) Path() string { return kb.path }

// Close releases the database connection pool.
func (kb *KB) Close() error {
	if err := kb.db.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", kb.name, err)
	}
	return nil
}

// Ping verifies the database file is reachable and the schema is intact.
func (kb *KB) Ping(ctx context.Context) error {
	var n int
	if err := kb.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingested_files`).Scan(&n); err != nil {
		return fmt.Errorf("store: ping %s: %w", kb.name, err)
	}
	return nil
}

// migrate creates the schema if it does not already exist. The fts triggers
// guarantee the full-text index is updated in the same transaction as every
// chunk mutation.
func (kb *KB) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS chunks (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    doc       TEXT    NOT NULL,
    chunk_id  INTEGER NOT NULL,
    text      TEXT    NOT NULL,
    embedding BLOB    NOT NULL,
    UNIQUE (doc, chunk_id)
);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts
    USING fts5(text, content='chunks', content_rowid='id', tokenize='unicode61');

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, text) VALUES (new.id, new.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.id, old.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.id, old.text);
    INSERT INTO chunks_fts(rowid, text) VALUES (new.id, new.text);
END;

CREATE TABLE IF NOT EXISTS ingested_files (
    doc          TEXT    PRIMARY KEY,
    content_hash TEXT    NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fewshot_cache (
    model     TEXT    NOT NULL,
    pos       INTEGER NOT NULL,
    input     TEXT    NOT NULL,
    output    TEXT    NOT NULL,
    embedding BLOB    NOT NULL,
    PRIMARY KEY (model, pos)
);
`
	if _, err := kb.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate %s: %w", kb.name, err)
	}
	return nil
}

// FileHash returns the stored content hash for doc, with ok=false when the
// document has never been ingested.
func (kb *KB) FileHash(ctx context.Context, doc string) (string, bool, error) {
	const q = `SELECT content_hash FROM ingested_files WHERE doc = ?`
	var hash string
	err := kb.db.QueryRowContext(ctx, q, doc).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: file hash %s: %w", doc, err)
	}
	return hash, true, nil
}

// AppendDoc writes the document's chunks and hash record in one transaction.
// Chunk positions continue from the document's current maximum chunk_id, so
// repeated appends for the same document never collide — but prior chunks
// remain retrievable alongside the new ones (the documented append-policy
// behaviour).
func (kb *KB) AppendDoc(ctx context.Context, doc, contentHash string, chunks []Chunk) error {
	return kb.writeDoc(ctx, doc, contentHash, chunks, false)
}

// ReplaceDoc deletes the document's prior chunks and writes the new ones in
// one transaction. The full-text postings of the deleted chunks are removed
// by trigger in the same transaction.
func (kb *KB) ReplaceDoc(ctx context.Context, doc, contentHash string, chunks []Chunk) error {
	return kb.writeDoc(ctx, doc, contentHash, chunks, true)
}

// writeDoc is the shared per-file transaction behind AppendDoc and ReplaceDoc.
func (kb *KB) writeDoc(ctx context.Context, doc, contentHash string, chunks []Chunk, replace bool) error {
	tx, err := kb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx for %s: %w", doc, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	base := 0
	if replace {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc = ?`, doc); err != nil {
			return fmt.Errorf("store: delete chunks of %s: %w", doc, err)
		}
	} else {
		var maxPos sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT MAX(chunk_id) FROM chunks WHERE doc = ?`, doc).Scan(&maxPos)
		if err != nil {
			return fmt.Errorf("store: max chunk_id of %s: %w", doc, err)
		}
		if maxPos.Valid {
			base = int(maxPos.Int64) + 1
		}
	}

	const ins = `INSERT INTO chunks (doc, chunk_id, text, embedding) VALUES (?, ?, ?, ?)`
	for i, c := range chunks {
		if _, err := tx.ExecContext(ctx, ins, doc, base+i, c.Text, EncodeVector(c.Embedding)); err != nil {
			return fmt.Errorf("store: insert chunk %d of %s: %w", i, doc, err)
		}
	}

	const rec = `
INSERT INTO ingested_files (doc, content_hash, updated_at) VALUES (?, ?, ?)
ON CONFLICT(doc) DO UPDATE SET content_hash = excluded.content_hash, updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, rec, doc, contentHash, time.Now().Unix()); err != nil {
		return fmt.Errorf("store: record file %s: %w", doc, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit %s: %w", doc, err)
	}
	return nil
}

// DeleteDoc removes a document's chunks and its file record in one
// transaction. Chunk ids are not reused afterwards.
func (kb *KB) DeleteDoc(ctx context.Context, doc string) error {
	tx, err := kb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx for %s: %w", doc, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc = ?`, doc); err != nil {
		return fmt.Errorf("store: delete chunks of %s: %w", doc, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ingested_files WHERE doc = ?`, doc); err != nil {
		return fmt.Errorf("store: delete record of %s: %w", doc, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit delete %s: %w", doc, err)
	}
	return nil
}

// ftsTokenRe extracts alphanumeric tokens for full-text match queries.
var ftsTokenRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// Candidates returns up to limit chunks for the query, ranked by bm25 over
// the full-text index. When the query has no indexable tokens or matches
// nothing (no lexical overlap at all), it falls back to an unranked scan of
// up to limit chunks so embedding-only-relevant queries still retrieve at
// small scale.
func (kb *KB) Candidates(ctx context.Context, query string, limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 50
	}

	if match := ftsMatchExpr(query); match != "" {
		const q = `
SELECT c.id, c.doc, c.chunk_id, c.text, c.embedding
FROM   chunks_fts f
JOIN   chunks c ON c.id = f.rowid
WHERE  chunks_fts MATCH ?
ORDER  BY bm25(chunks_fts)
LIMIT  ?`
		chunks, err := kb.queryChunks(ctx, q, match, limit)
		if err != nil {
			return nil, err
		}
		if len(chunks) > 0 {
			return chunks, nil
		}
	}

	// Fallback: unranked scan. The vector re-rank does the ordering.
	const scan = `SELECT id, doc, chunk_id, text, embedding FROM chunks ORDER BY id LIMIT ?`
	return kb.queryChunks(ctx, scan, limit)
}

// ftsMatchExpr builds a defensive OR-of-terms match expression so raw user
// input (quotes, punctuation, fts5 operators) can never break the query.
// Returns "" when the query has no indexable tokens.
func ftsMatchExpr(query string) string {
	tokens := ftsTokenRe.FindAllString(query, -1)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + strings.ToLower(t) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// queryChunks runs a chunk-row query and decodes the embedding blobs.
func (kb *KB) queryChunks(ctx context.Context, q string, args ...any) ([]Chunk, error) {
	rows, err := kb.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query chunks in %s: %w", kb.name, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Doc, &c.ChunkID, &c.Text, &blob); err != nil {
			return nil, fmt.Errorf("store: scan chunk in %s: %w", kb.name, err)
		}
		c.Embedding = DecodeVector(blob)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: chunk rows in %s: %w", kb.name, err)
	}
	return chunks, nil
}

// Stats returns the number of ingested documents and stored chunks.
func (kb *KB) Stats(ctx context.Context) (docs, chunks int, err error) {
	if err = kb.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingested_files`).Scan(&docs); err != nil {
		return 0, 0, fmt.Errorf("store: count docs in %s: %w", kb.name, err)
	}
	if err = kb.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&chunks); err != nil {
		return 0, 0, fmt.Errorf("store: count chunks in %s: %w", kb.name, err)
	}
	return docs, chunks, nil
}

// MaxChunkID returns the highest chunk id ever allocated (0 when empty).
// Because ids come from AUTOINCREMENT, the value is monotone across deletes.
func (kb *KB) MaxChunkID(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := kb.db.QueryRowContext(ctx,
		`SELECT seq FROM sqlite_sequence WHERE name = 'chunks'`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: sequence of %s: %w", kb.name, err)
	}
	return seq.Int64, nil
}

// ReplaceFewshotCache atomically replaces the persisted few-shot example
// cache with a new set keyed by the embedding model identity. Cache rows
// belonging to any other model identity are dropped, enforcing the
// one-model-per-cache invariant.
func (kb *KB) ReplaceFewshotCache(ctx context.Context, model string, examples []CachedExample) error {
	tx, err := kb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin fewshot tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM fewshot_cache`); err != nil {
		return fmt.Errorf("store: clear fewshot cache: %w", err)
	}
	const ins = `INSERT INTO fewshot_cache (model, pos, input, output, embedding) VALUES (?, ?, ?, ?, ?)`
	for i, ex := range examples {
		if _, err := tx.ExecContext(ctx, ins, model, i, ex.Input, ex.Output, EncodeVector(ex.Embedding)); err != nil {
			return fmt.Errorf("store: insert fewshot example %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit fewshot cache: %w", err)
	}
	return nil
}

// FewshotCache loads the persisted few-shot cache for the given model
// identity. ok is false when the cache is empty or was built under a
// different model — the caller must rebuild it.
func (kb *KB) FewshotCache(ctx context.Context, model string) (examples []CachedExample, ok bool, err error) {
	var cached string
	err = kb.db.QueryRowContext(ctx, `SELECT model FROM fewshot_cache LIMIT 1`).Scan(&cached)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: fewshot cache model: %w", err)
	}
	if cached != model {
		return nil, false, nil
	}

	rows, err := kb.db.QueryContext(ctx,
		`SELECT input, output, embedding FROM fewshot_cache WHERE model = ? ORDER BY pos`, model)
	if err != nil {
		return nil, false, fmt.Errorf("store: fewshot cache rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ex CachedExample
		var blob []byte
		if err := rows.Scan(&ex.Input, &ex.Output, &blob); err != nil {
			return nil, false, fmt.Errorf("store: scan fewshot example: %w", err)
		}
		ex.Embedding = DecodeVector(blob)
		examples = append(examples, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("store: fewshot rows: %w", err)
	}
	return examples, true, nil
}

// EncodeVector serializes an embedding as a little-endian float32 array.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes a little-endian float32 array.
func DecodeVector(b []byte) []float32 {
	n := len(b) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
