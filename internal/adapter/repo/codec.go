package repo

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/domain/jsoncfg"
)

func encodeInput(ref domain.ImageRef) (string, error) {
	b, err := json.Marshal(ref)
	if err != nil {
		return "", fmt.Errorf("encode input reference: %w", err)
	}
	return string(b), nil
}

func encodeSettings(s jsoncfg.TaskSettings) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode settings: %w", err)
	}
	return string(b), nil
}

func decodeJobPayload(job *domain.Job, state string, inputJSON, settingsJSON []byte) error {
	st, err := domain.ParseJobState(state)
	if err != nil {
		return err
	}
	job.State = st
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &job.Input); err != nil {
			return fmt.Errorf("decode input reference for %s: %w", job.CorrelationID, err)
		}
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &job.Settings); err != nil {
			return fmt.Errorf("decode settings for %s: %w", job.CorrelationID, err)
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
