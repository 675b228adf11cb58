package durability

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// uniqueViolationCode is Postgres's SQLSTATE for a unique_violation.
const uniqueViolationCode = "23505"

// PostgresStore backs the Durability Log with the action_events table
// described in §6.4:
//
//	action_events(action_id pk, session_id, user_id, character_id,
//	  sequence_number, action_type, payload_json jsonb, persisted_at)
//	unique (session_id, sequence_number)
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// NewPostgresStore wraps an already-connected pool. Schema creation and
// migration are a deployment concern, not this package's.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, log: logrus.WithField("component", "durability.PostgresStore")}
}

func (p *PostgresStore) AppendAction(ctx context.Context, input AppendInput) (Record, error) {
	const q = `
		INSERT INTO action_events
			(session_id, user_id, character_id, sequence_number, action_type, payload_json, persisted_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING action_id, persisted_at`

	var rec Record
	rec.SessionID = input.SessionID
	rec.UserID = input.UserID
	rec.CharacterID = input.CharacterID
	rec.SequenceNumber = input.SequenceNumber
	rec.ActionType = input.ActionType
	rec.Payload = input.Payload

	row := p.pool.QueryRow(ctx, q, input.SessionID, input.UserID, input.CharacterID,
		input.SequenceNumber, input.ActionType, input.Payload)

	if err := row.Scan(&rec.ActionID, &rec.PersistedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return Record{}, ErrUniqueViolation
		}
		return Record{}, fmt.Errorf("durability: postgres append failed: %w", err)
	}

	return rec, nil
}

func (p *PostgresStore) GetBySessionAndSequence(ctx context.Context, sessionID string, sequence int64) (Record, bool, error) {
	const q = `
		SELECT action_id, session_id, user_id, character_id, sequence_number, action_type, payload_json, persisted_at
		FROM action_events
		WHERE session_id = $1 AND sequence_number = $2`

	var rec Record
	err := p.pool.QueryRow(ctx, q, sessionID, sequence).Scan(
		&rec.ActionID, &rec.SessionID, &rec.UserID, &rec.CharacterID,
		&rec.SequenceNumber, &rec.ActionType, &rec.Payload, &rec.PersistedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("durability: postgres lookup failed: %w", err)
	}
	return rec, true, nil
}

func (p *PostgresStore) LatestForSession(ctx context.Context, sessionID string) (Record, bool, error) {
	const q = `
		SELECT action_id, session_id, user_id, character_id, sequence_number, action_type, payload_json, persisted_at
		FROM action_events
		WHERE session_id = $1
		ORDER BY sequence_number DESC
		LIMIT 1`

	var rec Record
	err := p.pool.QueryRow(ctx, q, sessionID).Scan(
		&rec.ActionID, &rec.SessionID, &rec.UserID, &rec.CharacterID,
		&rec.SequenceNumber, &rec.ActionType, &rec.Payload, &rec.PersistedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("durability: postgres latest lookup failed: %w", err)
	}
	return rec, true, nil
}

func (p *PostgresStore) RecentForCharacter(ctx context.Context, characterID string, limit int) ([]Record, error) {
	const q = `
		SELECT action_id, session_id, user_id, character_id, sequence_number, action_type, payload_json, persisted_at
		FROM action_events
		WHERE character_id = $1
		ORDER BY persisted_at DESC
		LIMIT $2`

	rows, err := p.pool.Query(ctx, q, characterID, limit)
	if err != nil {
		return nil, fmt.Errorf("durability: postgres recent-for-character failed: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ActionID, &rec.SessionID, &rec.UserID, &rec.CharacterID,
			&rec.SequenceNumber, &rec.ActionType, &rec.Payload, &rec.PersistedAt); err != nil {
			return nil, fmt.Errorf("durability: postgres row scan failed: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durability: postgres rows error: %w", err)
	}
	return out, nil
}
