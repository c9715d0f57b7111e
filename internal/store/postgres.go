package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/park285/cheese-rooms/internal/domain"
)

const liveStatuses = `('waiting','in_progress','playing')`

const roomColumns = `id, label, code, status, white_id, black_id, winner_id, loser_id, reason, fen, created_at, updated_at`

//go:embed schema.sql
var schemaSQL string

// Postgres is the lib/pq backed Repository.
type Postgres struct {
	db *sql.DB
}

func OpenPostgres(databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	// schema.sql is idempotent
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*domain.Room, error) {
	var (
		r                   domain.Room
		status, reason, fen string
		white, black        sql.NullInt64
		winner, loser       sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Label, &r.Code, &status, &white, &black, &winner, &loser, &reason, &fen, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.White = domain.UserID(white.Int64)
	r.Black = domain.UserID(black.Int64)
	r.FEN = fen
	r.State = domain.StateFrom(domain.Status(status), domain.UserID(winner.Int64), domain.UserID(loser.Int64), reason)
	return &r, nil
}

func nullUser(u domain.UserID) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(u), Valid: u != 0}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *Postgres) CreateRoom(ctx context.Context, r *domain.Room) (*domain.Room, error) {
	if r == nil {
		return nil, fmt.Errorf("nil room payload")
	}
	status := domain.StatusWaiting
	if r.State != nil {
		status = r.State.Status()
	}
	const q = `
		INSERT INTO rooms (label, code, status, white_id, black_id, reason, fen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '', $6, now(), now())
		RETURNING ` + roomColumns
	out, err := scanRoom(p.db.QueryRowContext(ctx, q, r.Label, r.Code, string(status), nullUser(r.White), nullUser(r.Black), r.FEN))
	if isUniqueViolation(err) {
		return nil, ErrDuplicateCode
	}
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}
	return out, nil
}

func (p *Postgres) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r, err := scanRoom(p.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select room: %w", err)
	}
	return r, nil
}

func (p *Postgres) FindActiveByCode(ctx context.Context, code string) (*domain.Room, error) {
	q := `SELECT ` + roomColumns + ` FROM rooms WHERE upper(code) = upper($1) AND status IN ` + liveStatuses + ` LIMIT 1`
	r, err := scanRoom(p.db.QueryRowContext(ctx, q, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select room by code: %w", err)
	}
	return r, nil
}

func (p *Postgres) FindActiveBySeat(ctx context.Context, user domain.UserID) (*domain.Room, error) {
	q := `SELECT ` + roomColumns + ` FROM rooms
		WHERE (white_id = $1 OR black_id = $1) AND status IN ` + liveStatuses + `
		ORDER BY id DESC LIMIT 1`
	r, err := scanRoom(p.db.QueryRowContext(ctx, q, int64(user)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select room by seat: %w", err)
	}
	return r, nil
}

func (p *Postgres) UpdateRoom(ctx context.Context, id domain.RoomID, fn func(r *domain.Room) error) (*domain.Room, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRoom(tx.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1 FOR UPDATE`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock room: %w", err)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	if err := domain.ValidateTransition(cur, next); err != nil {
		return nil, err
	}

	var winner, loser domain.UserID
	if w, l, ok := next.Result(); ok {
		winner, loser = w, l
	}
	const upd = `
		UPDATE rooms SET label = $2, status = $3, white_id = $4, black_id = $5,
			winner_id = $6, loser_id = $7, reason = $8, fen = $9, updated_at = now()
		WHERE id = $1
		RETURNING ` + roomColumns
	out, err := scanRoom(tx.QueryRowContext(ctx, upd, int64(id), next.Label, string(next.Status()),
		nullUser(next.White), nullUser(next.Black), nullUser(winner), nullUser(loser), next.Reason(), next.FEN))
	if err != nil {
		return nil, fmt.Errorf("update room: %w", err)
	}

	if res, done := domain.ResultOf(cur, next); done {
		sans, err := p.sanList(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		res.PGN = buildPGN(next.Label, res, sans, time.Now())
		const ins = `
			INSERT INTO game_results (room_id, white_id, black_id, winner_id, loser_id, outcome, reason, pgn, ended_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (room_id) DO NOTHING`
		if _, err := tx.ExecContext(ctx, ins, int64(id), nullUser(res.White), nullUser(res.Black),
			nullUser(res.Winner), nullUser(res.Loser), string(res.Outcome), res.Reason, res.PGN); err != nil {
			return nil, fmt.Errorf("insert game result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (p *Postgres) sanList(ctx context.Context, tx *sql.Tx, id domain.RoomID) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT san FROM room_moves WHERE room_id = $1 ORDER BY ply`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("select san list: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var san string
		if err := rows.Scan(&san); err != nil {
			return nil, err
		}
		out = append(out, san)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendMove(ctx context.Context, id domain.RoomID, mv domain.MoveRecord) error {
	payload, err := json.Marshal(mv)
	if err != nil {
		return fmt.Errorf("marshal move: %w", err)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO room_moves (room_id, ply, mover_id, uci, san, fen, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		ON CONFLICT (room_id, ply) DO NOTHING`,
		int64(id), mv.Ply, int64(mv.Mover), mv.UCI, mv.SAN, mv.FEN, string(payload), mv.At)
	if err != nil {
		return fmt.Errorf("insert move: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if _, err := tx.ExecContext(ctx, `UPDATE rooms SET fen = $2, updated_at = now() WHERE id = $1`, int64(id), mv.FEN); err != nil {
			return fmt.Errorf("update room fen: %w", err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) ListMoves(ctx context.Context, id domain.RoomID) ([]domain.MoveRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT payload FROM room_moves WHERE room_id = $1 ORDER BY ply`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("select moves: %w", err)
	}
	defer rows.Close()
	out := make([]domain.MoveRecord, 0, 32)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var mv domain.MoveRecord
		if err := json.Unmarshal(raw, &mv); err != nil {
			return nil, fmt.Errorf("decode move: %w", err)
		}
		out = append(out, mv)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, room_id, sender_id, sender_name, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, int64(msg.RoomID), int64(msg.Sender), msg.SenderName, msg.Body, msg.At)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (p *Postgres) ListMessages(ctx context.Context, id domain.RoomID, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, room_id, sender_id, sender_name, body, created_at FROM (
			SELECT id, room_id, sender_id, sender_name, body, created_at
			FROM chat_messages WHERE room_id = $1
			ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`
	rows, err := p.db.QueryContext(ctx, q, int64(id), limit)
	if err != nil {
		return nil, fmt.Errorf("select chat messages: %w", err)
	}
	defer rows.Close()
	out := make([]domain.ChatMessage, 0, limit)
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Sender, &m.SenderName, &m.Body, &m.At); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) PlayerRecord(ctx context.Context, user domain.UserID) (*domain.PlayerRecord, error) {
	const q = `
		SELECT
			count(*),
			count(*) FILTER (WHERE winner_id = $1),
			count(*) FILTER (WHERE loser_id = $1),
			count(*) FILTER (WHERE outcome = 'draw')
		FROM game_results
		WHERE white_id = $1 OR black_id = $1`
	rec := &domain.PlayerRecord{User: user}
	if err := p.db.QueryRowContext(ctx, q, int64(user)).Scan(&rec.Played, &rec.Won, &rec.Lost, &rec.Drawn); err != nil {
		return nil, fmt.Errorf("select player record: %w", err)
	}
	return rec, nil
}
