package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"billing-pipeline/domain"
)

// Marker row keys start above '9' so the record filter "RowKey lt ':'"
// never picks them up.
const dedupMarkerPrefix = "dedup:"

type historyEntity struct {
	aztables.Entity
	ID                string `json:"ID"`
	OldValue          string `json:"OldValue"`
	NewValue          string `json:"NewValue"`
	ChangedByUserID   string `json:"ChangedByUserID"`
	ChangedByUsername string `json:"ChangedByUsername"`
	CreatedAt         string `json:"CreatedAt"`
}

// AppendHistory writes all records of one change event and its dedup marker
// in a single entity group transaction. A second attempt with the same dedup
// key fails on the marker insert, leaving the table untouched, and reports a
// duplicate to the caller.
func (s *Storage) AppendHistory(ctx context.Context, dedupKey string, records []domain.ChangeHistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	pk := entityPartition(records[0].EntityType, records[0].EntityID)

	marker := aztables.EDMEntity{
		Entity: aztables.Entity{
			PartitionKey: pk,
			RowKey:       dedupMarkerPrefix + dedupKey,
		},
	}
	markerData, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	actions := []aztables.TransactionAction{
		{ActionType: aztables.TransactionTypeAdd, Entity: markerData},
	}

	for _, rec := range records {
		ent, err := encodeHistoryRecord(pk, rec)
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeAdd,
			Entity:     ent,
		})
	}

	if _, err := s.historyTable.SubmitTransaction(ctx, actions, nil); err != nil {
		if isConflict(err) {
			return &duplicateEventError{dedupKey: dedupKey}
		}
		return err
	}
	return nil
}

// ListHistory returns one page of change history for the entity, newest
// first, along with the total number of records.
func (s *Storage) ListHistory(ctx context.Context, entityType string, entityID int64, limit, offset int) ([]domain.ChangeHistoryRecord, int, error) {
	pk := entityPartition(entityType, entityID)
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey lt ':'", pk)
	pager := s.historyTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	records := []domain.ChangeHistoryRecord{}
	total := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, 0, err
		}
		for _, e := range resp.Entities {
			idx := total
			total++
			if idx < offset || len(records) >= limit {
				continue
			}
			rec, err := decodeHistoryEntity(e, entityType, entityID)
			if err != nil {
				return nil, 0, err
			}
			records = append(records, rec)
		}
	}
	return records, total, nil
}

func encodeHistoryRecord(pk string, rec domain.ChangeHistoryRecord) ([]byte, error) {
	oldValue, err := json.Marshal(rec.OldValue)
	if err != nil {
		return nil, err
	}
	newValue, err := json.Marshal(rec.NewValue)
	if err != nil {
		return nil, err
	}
	return json.Marshal(historyEntity{
		Entity: aztables.Entity{
			PartitionKey: pk,
			RowKey:       invertedRowKey(rec.ID),
		},
		ID:                strconv.FormatInt(rec.ID, 10),
		OldValue:          string(oldValue),
		NewValue:          string(newValue),
		ChangedByUserID:   rec.ChangedByUserID,
		ChangedByUsername: rec.ChangedByUsername,
		CreatedAt:         rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func decodeHistoryEntity(data []byte, entityType string, entityID int64) (domain.ChangeHistoryRecord, error) {
	var ent historyEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.ChangeHistoryRecord{}, err
	}
	id, err := strconv.ParseInt(ent.ID, 10, 64)
	if err != nil {
		return domain.ChangeHistoryRecord{}, fmt.Errorf("history row %s: bad id: %w", ent.RowKey, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ent.CreatedAt)
	if err != nil {
		return domain.ChangeHistoryRecord{}, fmt.Errorf("history row %s: bad timestamp: %w", ent.RowKey, err)
	}
	rec := domain.ChangeHistoryRecord{
		ID:                id,
		EntityType:        entityType,
		EntityID:          entityID,
		ChangedByUserID:   ent.ChangedByUserID,
		ChangedByUsername: ent.ChangedByUsername,
		CreatedAt:         createdAt,
	}
	if ent.OldValue != "" && ent.OldValue != "null" {
		if err := json.Unmarshal([]byte(ent.OldValue), &rec.OldValue); err != nil {
			return domain.ChangeHistoryRecord{}, fmt.Errorf("history row %s: bad old value: %w", ent.RowKey, err)
		}
	}
	if err := json.Unmarshal([]byte(ent.NewValue), &rec.NewValue); err != nil {
		return domain.ChangeHistoryRecord{}, fmt.Errorf("history row %s: bad new value: %w", ent.RowKey, err)
	}
	return rec, nil
}
