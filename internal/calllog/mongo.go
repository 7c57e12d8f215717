package calllog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/pkg/mongo"
)

const collection = "calls"

// MongoStore persists call records in MongoDB. Documents are written as
// maps through the query builder; timestamps are RFC3339 strings.
type MongoStore struct {
	client *mongo.Client
	logger *zap.Logger
}

func NewMongoStore(client *mongo.Client, logger *zap.Logger) *MongoStore {
	return &MongoStore{client: client, logger: logger}
}

func (s *MongoStore) Create(ctx context.Context, entry *Entry) error {
	doc := map[string]interface{}{
		"call_sid":    entry.CallID,
		"from_number": entry.CallerNumber,
		"status":      entry.Status,
		"started_at":  entry.StartedAt.Format(time.RFC3339),
	}
	mongo.AddTimestamps(doc)

	if _, err := s.client.NewQuery(collection).Insert(ctx, doc); err != nil {
		return fmt.Errorf("failed to create call log: %w", err)
	}
	return nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, callID, status string) error {
	update := map[string]interface{}{
		"status": status,
	}
	mongo.UpdateTimestamp(update)

	result, err := s.client.NewQuery(collection).
		Eq("call_sid", callID).
		UpdateOne(ctx, update)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Finalize(ctx context.Context, callID, status string, endedAt time.Time, transcript []TranscriptLine, summary string) error {
	lines := make([]interface{}, 0, len(transcript))
	for _, line := range transcript {
		lines = append(lines, map[string]interface{}{
			"role": line.Role,
			"text": line.Text,
			"at":   line.At.Format(time.RFC3339),
		})
	}

	update := map[string]interface{}{
		"status":     status,
		"ended_at":   endedAt.Format(time.RFC3339),
		"transcript": lines,
	}
	if summary != "" {
		update["summary"] = summary
	}
	mongo.UpdateTimestamp(update)

	result, err := s.client.NewQuery(collection).
		Eq("call_sid", callID).
		UpdateOne(ctx, update)
	if err != nil {
		return fmt.Errorf("failed to finalize call log: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetByCallID(ctx context.Context, callID string) (*Entry, error) {
	doc, err := s.client.NewQuery(collection).
		Eq("call_sid", callID).
		FindOne(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get call log: %w", err)
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return entryFromDoc(doc), nil
}

func (s *MongoStore) QueryByNumber(ctx context.Context, number string, limit int64) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	docs, err := s.client.NewQuery(collection).
		Eq("from_number", number).
		Sort("started_at", false).
		Limit(limit).
		Find(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query call logs: %w", err)
	}

	entries := make([]*Entry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, entryFromDoc(doc))
	}
	return entries, nil
}

func entryFromDoc(doc map[string]interface{}) *Entry {
	entry := &Entry{
		CallID:       stringField(doc, "call_sid"),
		CallerNumber: stringField(doc, "from_number"),
		Status:       stringField(doc, "status"),
		Summary:      stringField(doc, "summary"),
		StartedAt:    timeField(doc, "started_at"),
		EndedAt:      timeField(doc, "ended_at"),
	}

	if raw, ok := doc["transcript"].([]interface{}); ok {
		for _, item := range raw {
			line, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			entry.Transcript = append(entry.Transcript, TranscriptLine{
				Role: stringField(line, "role"),
				Text: stringField(line, "text"),
				At:   timeField(line, "at"),
			})
		}
	}
	return entry
}

func stringField(doc map[string]interface{}, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func timeField(doc map[string]interface{}, key string) time.Time {
	if v, ok := doc[key].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
