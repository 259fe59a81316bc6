package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/campus-world/internal/world"
)

// OnScore stores a graded exam for this run, replacing an earlier grade of
// the same phase.
func (s *Store) OnScore(ctx context.Context, sc world.ExamScore) error {
	grade, err := json.Marshal(sc.Grade)
	if err != nil {
		return fmt.Errorf("marshal grade: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO exam_scores (run_id, student, teacher, phase, score, grade, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, student, phase) DO UPDATE SET
			score = EXCLUDED.score,
			grade = EXCLUDED.grade,
			recorded_at = EXCLUDED.recorded_at`,
		s.runID, sc.Student, sc.Teacher, sc.Phase, sc.Score, grade, sc.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("save score: %w", err)
	}
	return nil
}

// Scores returns the scores of runID (this run when empty) by student and phase.
func (s *Store) Scores(ctx context.Context, runID string) ([]world.ExamScore, error) {
	if runID == "" {
		runID = s.runID
	}
	rows, err := s.db.Query(ctx, `
		SELECT student, teacher, phase, score, grade, recorded_at
		FROM exam_scores
		WHERE run_id = $1
		ORDER BY student, phase DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	defer rows.Close()

	var out []world.ExamScore
	for rows.Next() {
		var sc world.ExamScore
		var grade []byte
		if err := rows.Scan(&sc.Student, &sc.Teacher, &sc.Phase, &sc.Score, &grade, &sc.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		if len(grade) > 0 {
			if err := json.Unmarshal(grade, &sc.Grade); err != nil {
				return nil, fmt.Errorf("decode grade: %w", err)
			}
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
