package oplog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coedit/cmd/internal/diff"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-room transactional advisory locks so two in-flight submissions
//   for the same room never compute against the same stale snapshot.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "coedit").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("oplog: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("oplog: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "coedit",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("oplog: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Submit appends an operation with idempotency and atomic snapshot apply.
func (s *PostgresStore) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	if s == nil || s.pool == nil {
		return SubmitResult{}, errors.New("oplog: nil store")
	}
	if in.RoomID == "" || in.OperationID == "" || in.UserID == "" {
		return SubmitResult{}, errors.New("oplog: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	documents := pgIdent(s.schema, "documents")
	operations := pgIdent(s.schema, "operations")

	// Serialize all writes per room so the read-modify-write of the snapshot
	// is one atomic unit. hashtextextended reduces collision risk vs hashtext.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomID); err != nil {
		return SubmitResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	snap, err := readSnapshot(ctx, tx, documents, in.RoomID)
	if err != nil {
		return SubmitResult{}, err
	}

	existing, err := readOperationByID(ctx, tx, operations, in.RoomID, in.OperationID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{
			Stored:     existing,
			NewContent: snap.Content,
			Version:    snap.Version,
			Duplicated: true,
		}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return SubmitResult{}, err
	}

	newContent, err := in.Edit.Apply(snap.Content)
	if err != nil {
		// Rejected, never appended: the log must only contain operations
		// that applied cleanly.
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	seq := snap.Version + 1

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+operations+` (
		     room_id, seq, operation_id, user_id, kind, position, content, length, server_ts
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.RoomID, seq, in.OperationID, in.UserID,
		string(in.Edit.Kind), in.Edit.Pos, in.Edit.Text, in.Edit.Length, now,
	); err != nil {
		return SubmitResult{}, fmt.Errorf("insert operation: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+documents+` (room_id, content, version, last_modified)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (room_id) DO UPDATE
		    SET content = EXCLUDED.content,
		        version = EXCLUDED.version,
		        last_modified = EXCLUDED.last_modified`,
		in.RoomID, newContent, seq, now,
	); err != nil {
		return SubmitResult{}, fmt.Errorf("upsert document: %w", err)
	}

	out := Operation{
		RoomID:      in.RoomID,
		OperationID: in.OperationID,
		UserID:      in.UserID,
		Seq:         seq,
		Edit:        in.Edit,
		ServerTS:    now,
	}

	if err := tx.Commit(ctx); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Stored: out, NewContent: newContent, Version: seq}, nil
}

// ListSince returns operations ordered by seq ASC with server timestamp
// strictly after in.After.
func (s *PostgresStore) ListSince(ctx context.Context, in ListSinceInput) (ListSinceResult, error) {
	if s == nil || s.pool == nil {
		return ListSinceResult{}, errors.New("oplog: nil store")
	}
	if in.RoomID == "" {
		return ListSinceResult{}, errors.New("oplog: missing room_id")
	}
	if err := ctx.Err(); err != nil {
		return ListSinceResult{}, err
	}

	limit := clampLimit(in.Limit)
	fetch := limit + 1

	operations := pgIdent(s.schema, "operations")

	rows, err := s.pool.Query(ctx,
		`SELECT room_id, operation_id, user_id, seq, kind, position, content, length, server_ts
		   FROM `+operations+`
		  WHERE room_id = $1 AND server_ts > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.RoomID, in.After, fetch,
	)
	if err != nil {
		return ListSinceResult{}, err
	}
	defer rows.Close()

	ops := make([]Operation, 0, fetch)
	for rows.Next() {
		var (
			op   Operation
			kind string
		)
		if err := rows.Scan(
			&op.RoomID,
			&op.OperationID,
			&op.UserID,
			&op.Seq,
			&kind,
			&op.Edit.Pos,
			&op.Edit.Text,
			&op.Edit.Length,
			&op.ServerTS,
		); err != nil {
			return ListSinceResult{}, err
		}
		op.Edit.Kind = diff.Kind(kind)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return ListSinceResult{}, err
	}

	hasMore := len(ops) > limit
	if hasMore {
		ops = ops[:limit]
	}
	return ListSinceResult{Operations: ops, HasMore: hasMore}, nil
}

// GetDocument returns the room snapshot, defaulting to an empty document.
func (s *PostgresStore) GetDocument(ctx context.Context, roomID string) (Snapshot, error) {
	if s == nil || s.pool == nil {
		return Snapshot{}, errors.New("oplog: nil store")
	}
	if roomID == "" {
		return Snapshot{}, errors.New("oplog: missing room_id")
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	documents := pgIdent(s.schema, "documents")

	var snap Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT content, version, last_modified FROM `+documents+` WHERE room_id = $1`,
		roomID,
	).Scan(&snap.Content, &snap.Version, &snap.LastModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// InitializeDocument seeds the room snapshot; first writer wins via
// ON CONFLICT DO NOTHING.
func (s *PostgresStore) InitializeDocument(ctx context.Context, roomID, content string, now time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("oplog: nil store")
	}
	if roomID == "" {
		return false, errors.New("oplog: missing room_id")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	documents := pgIdent(s.schema, "documents")

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+documents+` (room_id, content, version, last_modified)
		 VALUES ($1, $2, 0, $3)
		 ON CONFLICT (room_id) DO NOTHING`,
		roomID, content, now,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func readSnapshot(ctx context.Context, tx pgx.Tx, documentsTable, roomID string) (Snapshot, error) {
	var snap Snapshot
	err := tx.QueryRow(ctx,
		`SELECT content, version, last_modified FROM `+documentsTable+` WHERE room_id = $1`,
		roomID,
	).Scan(&snap.Content, &snap.Version, &snap.LastModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func readOperationByID(ctx context.Context, tx pgx.Tx, operationsTable, roomID, operationID string) (Operation, error) {
	var (
		op   Operation
		kind string
	)
	err := tx.QueryRow(ctx,
		`SELECT room_id, operation_id, user_id, seq, kind, position, content, length, server_ts
		   FROM `+operationsTable+`
		  WHERE room_id = $1 AND operation_id = $2`,
		roomID, operationID,
	).Scan(&op.RoomID, &op.OperationID, &op.UserID, &op.Seq, &kind, &op.Edit.Pos, &op.Edit.Text, &op.Edit.Length, &op.ServerTS)
	op.Edit.Kind = diff.Kind(kind)
	return op, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
