package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"flowstate/internal/domain"
)

// Writer appends engine events to the sqlite event log.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, sessionID string, evt domain.Event) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	payload := evt.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(session_id,seq,ts,day,type,item_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		sessionID, evt.Seq, ts, evt.Day, string(evt.Type), nullable(evt.ItemID), string(data))
	return err
}

// AppendAll writes a batch in order inside tx.
func (w Writer) AppendAll(ctx context.Context, tx *sql.Tx, sessionID string, evts []domain.Event) error {
	for _, evt := range evts {
		if err := w.Append(ctx, tx, sessionID, evt); err != nil {
			return fmt.Errorf("append event %d: %w", evt.Seq, err)
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
