package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/campus-world/internal/dialogue"
)

// SaveTranscript upserts a transcript.
func (s *Store) SaveTranscript(ctx context.Context, t *dialogue.Transcript) error {
	participants, err := json.Marshal(t.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	history, err := json.Marshal(t.DialogueHistory)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO dialogue_transcripts
			(id, location, topic, participants, time_slot, sim_date, mode, history, summary, log_file, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			history = EXCLUDED.history,
			summary = EXCLUDED.summary,
			log_file = EXCLUDED.log_file`,
		t.ID, t.Location, t.Topic, participants, t.TimeSlot, t.Date, t.Mode, history, t.Summary, t.LogFile, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// OnDialogue stores every finished dialogue.
func (s *Store) OnDialogue(ctx context.Context, t *dialogue.Transcript) error {
	return s.SaveTranscript(ctx, t)
}

// Transcripts returns the latest transcripts, newest first, optionally only
// those agent took part in.
func (s *Store) Transcripts(ctx context.Context, agent string, limit int) ([]*dialogue.Transcript, error) {
	if limit <= 0 {
		limit = 50
	}
	filter, err := json.Marshal([]string{agent})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, location, topic, participants, time_slot, sim_date, mode, history, summary, log_file, created_at
		FROM dialogue_transcripts
		WHERE $1 = '' OR participants @> $2::jsonb
		ORDER BY created_at DESC
		LIMIT $3`, agent, string(filter), limit)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	var out []*dialogue.Transcript
	for rows.Next() {
		var t dialogue.Transcript
		var participants, history []byte
		if err := rows.Scan(&t.ID, &t.Location, &t.Topic, &participants, &t.TimeSlot, &t.Date,
			&t.Mode, &history, &t.Summary, &t.LogFile, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		if err := json.Unmarshal(participants, &t.Participants); err != nil {
			return nil, fmt.Errorf("decode participants of %s: %w", t.ID, err)
		}
		if err := json.Unmarshal(history, &t.DialogueHistory); err != nil {
			return nil, fmt.Errorf("decode history of %s: %w", t.ID, err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
