package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"live-quiz-service/internal/domain"
)

// AnswerLog appends accepted answers to live_answers. The primary key on
// (session_id, participant_id, question_id) keeps the first write.
type AnswerLog struct {
	pool *pgxpool.Pool
}

func NewAnswerLog(pool *pgxpool.Pool) *AnswerLog {
	return &AnswerLog{pool: pool}
}

func (l *AnswerLog) Record(ctx context.Context, ev domain.AnswerEvent) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO live_answers (session_id, participant_id, question_id, answer, correct, awarded, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, participant_id, question_id) DO NOTHING`,
		ev.SessionID, ev.ParticipantID, ev.QuestionID, ev.SubmittedAnswer, ev.Correct, ev.Awarded, ev.SubmittedAt)
	if err != nil {
		return fmt.Errorf("record answer: %w", err)
	}
	return nil
}

// Answers lists a session's answers in submission order.
func (l *AnswerLog) Answers(ctx context.Context, sessionID string) ([]domain.AnswerEvent, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT participant_id, question_id, answer, correct, awarded, submitted_at
		FROM live_answers WHERE session_id = $1 ORDER BY submitted_at, participant_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	var out []domain.AnswerEvent
	for rows.Next() {
		ev := domain.AnswerEvent{SessionID: sessionID}
		if err := rows.Scan(&ev.ParticipantID, &ev.QuestionID, &ev.SubmittedAnswer, &ev.Correct, &ev.Awarded, &ev.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
