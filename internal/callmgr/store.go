package callmgr

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"voice-gateway/pkg/utils"
)

// Store persists call records and resolves dialed numbers to voice lines.
type Store interface {
	FindVoiceLine(ctx context.Context, number string) (VoiceLine, bool, error)
	InsertCall(ctx context.Context, call Summary) error
	FinalizeCall(ctx context.Context, fin Finalization) error
}

// Finalization is everything written when a call ends: the closing row update
// and the whole event timeline, committed together.
type Finalization struct {
	CallID        string
	EndedAt       time.Time
	HangupCause   string
	RecordingPath string
	Transcript    []string
	Events        []CallEvent
}

// PostgresStore backs the manager with voice_lines, voice_calls, and
// voice_call_events.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindVoiceLine(ctx context.Context, number string) (VoiceLine, bool, error) {
	const q = `
		SELECT id, tenant_id, number, COALESCE(name, ''), COALESCE(welcome, ''),
		       COALESCE(country_code, ''), COALESCE(transfer_extension, '')
		FROM voice_lines
		WHERE number = $1 AND enabled`

	var l VoiceLine
	err := s.db.QueryRowContext(ctx, q, number).Scan(
		&l.ID, &l.TenantID, &l.Number, &l.Name, &l.Welcome, &l.CountryCode, &l.TransferExtension,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return VoiceLine{}, false, nil
	}
	if err != nil {
		return VoiceLine{}, false, err
	}
	return l, true, nil
}

func (s *PostgresStore) InsertCall(ctx context.Context, call Summary) error {
	const q = `
		INSERT INTO voice_calls (id, channel_uuid, caller_id, line_id, state, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, q,
		call.ID, call.UUID, call.CallerID, call.LineID, string(call.State), call.StartedAt)
	return err
}

// FinalizeCall closes the call row and writes the timeline in one transaction.
func (s *PostgresStore) FinalizeCall(ctx context.Context, fin Finalization) error {
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const update = `
			UPDATE voice_calls
			SET state = 'ended', ended_at = $2, hangup_cause = $3,
			    recording_path = NULLIF($4, ''), transcript = $5
			WHERE id = $1`
		if _, err := tx.ExecContext(ctx, update,
			fin.CallID, fin.EndedAt, fin.HangupCause, fin.RecordingPath,
			joinTranscript(fin.Transcript)); err != nil {
			return err
		}

		const insert = `
			INSERT INTO voice_call_events (call_id, event_type, detail, occurred_at)
			VALUES ($1, $2, $3, $4)`
		for _, ev := range fin.Events {
			if _, err := tx.ExecContext(ctx, insert, ev.CallID, string(ev.Type), ev.Detail, ev.At); err != nil {
				return err
			}
		}
		return nil
	})
}

func joinTranscript(lines []string) sql.NullString {
	if len(lines) == 0 {
		return sql.NullString{}
	}
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n" + l
	}
	return sql.NullString{String: out, Valid: true}
}
