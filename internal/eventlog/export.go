package eventlog

import (
	"context"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
)

// ExportRow is the flattened projection of one event.
type ExportRow struct {
	ID                 string     `json:"id"`
	EntityType         string     `json:"entity_type"`
	EntityID           string     `json:"entity_id"`
	Action             string     `json:"action"`
	ActorID            string     `json:"actor_id"`
	Timestamp          int64      `json:"timestamp"`
	TimestampISO       string     `json:"timestamp_iso"`
	Source             string     `json:"source"`
	BatchID            string     `json:"batch_id"`
	RetryCount         int        `json:"retry_count"`
	Failed             bool       `json:"failed"`
	ErrorMessage       string     `json:"error_message"`
	ConflictResolution string     `json:"conflict_resolution"`
	OldData            types.Data `json:"old_data,omitempty"`
	NewData            types.Data `json:"new_data,omitempty"`
	Metadata           types.Data `json:"metadata,omitempty"`
}

// Export is a serialization-ready set of events.
type Export struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	EntityType      types.EntityType `json:"entity_type,omitempty"`
	Range           types.TimeRange  `json:"range"`
	IncludeMetadata bool             `json:"include_metadata"`
	Count           int              `json:"count"`
	Truncated       bool             `json:"truncated"`
	Events          []ExportRow      `json:"events"`
}

// Export flattens the events of et (all types when empty) within r.
// Payloads and metadata are only carried when includeMetadata is set.
func (l *Log) Export(ctx context.Context, et types.EntityType, r types.TimeRange, includeMetadata bool) (*Export, error) {
	const op = "eventlog.export"
	if et != "" && !et.Valid() {
		return nil, apperr.Validation(op, "unknown entity type %q", et)
	}
	events, err := l.store.QueryEvents(ctx, store.EventFilter{
		EntityType: et,
		Range:      r,
		Limit:      MaxExportEvents + 1,
	})
	if err != nil {
		return nil, store.Classify(op, err)
	}

	out := &Export{
		GeneratedAt:     time.Now().UTC(),
		EntityType:      et,
		Range:           r,
		IncludeMetadata: includeMetadata,
		Events:          make([]ExportRow, 0, len(events)),
	}
	if len(events) > MaxExportEvents {
		events = events[:MaxExportEvents]
		out.Truncated = true
	}
	for _, ev := range events {
		row := ExportRow{
			ID:                 ev.ID,
			EntityType:         string(ev.EntityType),
			EntityID:           ev.EntityID,
			Action:             string(ev.Action),
			ActorID:            ev.ActorID,
			Timestamp:          ev.Timestamp.UnixMilli(),
			TimestampISO:       ev.Timestamp.Format(time.RFC3339Nano),
			Source:             string(ev.Source),
			BatchID:            ev.BatchID,
			RetryCount:         ev.RetryCount,
			Failed:             ev.Failed(),
			ErrorMessage:       ev.ErrorMessage,
			ConflictResolution: string(ev.ConflictResolution),
		}
		if includeMetadata {
			row.OldData = ev.OldData
			row.NewData = ev.NewData
			row.Metadata = ev.Metadata
		}
		out.Events = append(out.Events, row)
	}
	out.Count = len(out.Events)
	return out, nil
}
