package roster

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"coedit/cmd/internal/presence"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Join serializes per room via a transactional advisory lock so the
//   capacity check and the membership upsert are one atomic unit.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "coedit").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("roster: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("roster: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "coedit"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("roster: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// CreateRoom registers a room.
func (s *PostgresStore) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("roster: nil store")
	}
	if in.RoomID == "" || in.OwnerUserID == "" {
		return Room{}, errors.New("roster: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	maxP := in.MaxParticipants
	if maxP <= 0 {
		maxP = defaultMaxParticipants
	}

	rooms := pgIdent(s.schema, "rooms")

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+rooms+` (id, owner_user_id, active, max_participants, expires_at, created_at)
		 VALUES ($1, $2, TRUE, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		in.RoomID, in.OwnerUserID, maxP, in.ExpiresAt, now,
	)
	if err != nil {
		return Room{}, err
	}
	if tag.RowsAffected() == 0 {
		return Room{}, errors.New("roster: room already exists")
	}

	return Room{
		ID:              in.RoomID,
		OwnerUserID:     in.OwnerUserID,
		Active:          true,
		MaxParticipants: maxP,
		ExpiresAt:       in.ExpiresAt,
		CreatedAt:       now,
	}, nil
}

// GetRoom returns the room or ErrRoomNotFound.
func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("roster: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	rooms := pgIdent(s.schema, "rooms")

	var r Room
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_user_id, active, max_participants, expires_at, created_at
		   FROM `+rooms+` WHERE id = $1`,
		roomID,
	).Scan(&r.ID, &r.OwnerUserID, &r.Active, &r.MaxParticipants, &r.ExpiresAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return r, nil
}

// CloseRoom deactivates a room.
func (s *PostgresStore) CloseRoom(ctx context.Context, roomID string) error {
	if s == nil || s.pool == nil {
		return errors.New("roster: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rooms := pgIdent(s.schema, "rooms")

	tag, err := s.pool.Exec(ctx, `UPDATE `+rooms+` SET active = FALSE WHERE id = $1`, roomID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// Join admits a user, reactivating their record on rejoin.
func (s *PostgresStore) Join(ctx context.Context, in JoinInput) (Participant, error) {
	if s == nil || s.pool == nil {
		return Participant{}, errors.New("roster: nil store")
	}
	if in.RoomID == "" || in.UserID == "" {
		return Participant{}, errors.New("roster: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Participant{}, err
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
		return Participant{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rooms := pgIdent(s.schema, "rooms")
	participants := pgIdent(s.schema, "participants")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomID); err != nil {
		return Participant{}, fmt.Errorf("advisory lock: %w", err)
	}

	var r Room
	err = tx.QueryRow(ctx,
		`SELECT id, owner_user_id, active, max_participants, expires_at, created_at
		   FROM `+rooms+` WHERE id = $1`,
		in.RoomID,
	).Scan(&r.ID, &r.OwnerUserID, &r.Active, &r.MaxParticipants, &r.ExpiresAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Participant{}, ErrRoomNotFound
	}
	if err != nil {
		return Participant{}, err
	}
	if !RoomOpen(r, now) {
		return Participant{}, ErrRoomClosed
	}

	var existing Participant
	err = tx.QueryRow(ctx,
		`SELECT room_id, user_id, display_name, color, role, active, last_seen
		   FROM `+participants+` WHERE room_id = $1 AND user_id = $2`,
		in.RoomID, in.UserID,
	).Scan(&existing.RoomID, &existing.UserID, &existing.DisplayName, &existing.Color,
		&existing.Role, &existing.Active, &existing.LastSeen)
	switch {
	case err == nil:
		// Rejoin: update, never duplicate. Reactivating an inactive record
		// takes a seat again, so it passes the same capacity gate as a new
		// member.
		if !existing.Active {
			var active int
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM `+participants+` WHERE room_id = $1 AND active`,
				in.RoomID,
			).Scan(&active); err != nil {
				return Participant{}, err
			}
			if active >= r.MaxParticipants {
				return Participant{}, ErrRoomFull
			}
		}
		existing.Active = true
		existing.LastSeen = now
		if in.DisplayName != "" {
			existing.DisplayName = in.DisplayName
		}
		if _, err := tx.Exec(ctx,
			`UPDATE `+participants+`
			    SET active = TRUE, last_seen = $3, display_name = $4,
			        cursor_line = NULL, cursor_column = NULL, cursor_file = NULL
			  WHERE room_id = $1 AND user_id = $2`,
			in.RoomID, in.UserID, now, existing.DisplayName,
		); err != nil {
			return Participant{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Participant{}, err
		}
		return existing, nil
	case errors.Is(err, pgx.ErrNoRows):
		// New member; capacity checked below.
	default:
		return Participant{}, err
	}

	var active int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+participants+` WHERE room_id = $1 AND active`,
		in.RoomID,
	).Scan(&active); err != nil {
		return Participant{}, err
	}
	if active >= r.MaxParticipants {
		return Participant{}, ErrRoomFull
	}

	role := RoleCollaborator
	if in.UserID == r.OwnerUserID {
		role = RoleHost
	}
	color := presence.ColorFor(in.UserID)

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+participants+` (room_id, user_id, display_name, color, role, active, last_seen)
		 VALUES ($1, $2, $3, $4, $5, TRUE, $6)`,
		in.RoomID, in.UserID, in.DisplayName, color, role, now,
	); err != nil {
		return Participant{}, fmt.Errorf("insert participant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Participant{}, err
	}
	return Participant{
		RoomID:      in.RoomID,
		UserID:      in.UserID,
		DisplayName: in.DisplayName,
		Color:       color,
		Role:        role,
		Active:      true,
		LastSeen:    now,
	}, nil
}

// Leave marks the participant inactive.
func (s *PostgresStore) Leave(ctx context.Context, roomID, userID string) error {
	if s == nil || s.pool == nil {
		return errors.New("roster: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	participants := pgIdent(s.schema, "participants")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+participants+`
		    SET active = FALSE, cursor_line = NULL, cursor_column = NULL, cursor_file = NULL
		  WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	return err
}

// Heartbeat refreshes liveness and optionally the cursor.
func (s *PostgresStore) Heartbeat(ctx context.Context, roomID, userID string, cursor *Cursor, now time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("roster: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	participants := pgIdent(s.schema, "participants")

	var tag pgconn.CommandTag
	var err error
	if cursor != nil {
		tag, err = s.pool.Exec(ctx,
			`UPDATE `+participants+`
			    SET active = TRUE, last_seen = $3,
			        cursor_line = $4, cursor_column = $5, cursor_file = $6
			  WHERE room_id = $1 AND user_id = $2`,
			roomID, userID, now, cursor.Line, cursor.Column, cursor.File,
		)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE `+participants+` SET active = TRUE, last_seen = $3
			  WHERE room_id = $1 AND user_id = $2`,
			roomID, userID, now,
		)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// Participants lists a room's members ordered by user id.
func (s *PostgresStore) Participants(ctx context.Context, roomID string, activeOnly bool) ([]Participant, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("roster: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	participants := pgIdent(s.schema, "participants")

	q := `SELECT room_id, user_id, display_name, color, role, active, last_seen,
	             cursor_line, cursor_column, cursor_file
	        FROM ` + participants + ` WHERE room_id = $1`
	if activeOnly {
		q += ` AND active`
	}
	q += ` ORDER BY user_id ASC`

	rows, err := s.pool.Query(ctx, q, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var (
			p          Participant
			line, col  *int
			cursorFile *string
		)
		if err := rows.Scan(&p.RoomID, &p.UserID, &p.DisplayName, &p.Color, &p.Role,
			&p.Active, &p.LastSeen, &line, &col, &cursorFile); err != nil {
			return nil, err
		}
		if line != nil && col != nil {
			p.Cursor = &Cursor{Line: *line, Column: *col}
			if cursorFile != nil {
				p.Cursor.File = *cursorFile
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SweepStale deactivates silent participants and expired rooms.
func (s *PostgresStore) SweepStale(ctx context.Context, window time.Duration, now time.Time) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("roster: nil store")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	rooms := pgIdent(s.schema, "rooms")
	participants := pgIdent(s.schema, "participants")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+participants+`
		    SET active = FALSE, cursor_line = NULL, cursor_column = NULL, cursor_file = NULL
		  WHERE active AND last_seen < $1`,
		now.Add(-window),
	)
	if err != nil {
		return 0, err
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE `+rooms+` SET active = FALSE
		  WHERE active AND expires_at IS NOT NULL AND expires_at <= $1`,
		now,
	); err != nil {
		return int(tag.RowsAffected()), err
	}

	return int(tag.RowsAffected()), nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
