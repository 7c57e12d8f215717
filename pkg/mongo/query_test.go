package mongo

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

func TestQueryBuilderComposesFilterSortLimit(t *testing.T) {
	q := &QueryBuilder{filter: bson.M{}}
	q.Eq("call_sid", "CA100").Eq("status", "completed").Sort("created_at", false).Limit(25)

	if got := q.filter["call_sid"]; got != "CA100" {
		t.Errorf("call_sid filter = %v", got)
	}
	if got := q.filter["status"]; got != "completed" {
		t.Errorf("status filter = %v", got)
	}
	if len(q.sort) != 1 || q.sort[0].Key != "created_at" || q.sort[0].Value != -1 {
		t.Errorf("sort = %+v", q.sort)
	}
	if q.limit == nil || *q.limit != 25 {
		t.Errorf("limit = %v", q.limit)
	}
}

func TestTimestampHelpersUseRFC3339(t *testing.T) {
	doc := map[string]interface{}{"call_sid": "CA101"}
	AddTimestamps(doc)

	created, ok := doc["created_at"].(string)
	if !ok {
		t.Fatalf("created_at = %T, want string", doc["created_at"])
	}
	if _, err := time.Parse(time.RFC3339, created); err != nil {
		t.Errorf("created_at %q is not RFC3339: %v", created, err)
	}
	if doc["updated_at"] != created {
		t.Errorf("updated_at = %v, want %v", doc["updated_at"], created)
	}

	update := map[string]interface{}{"status": "completed"}
	UpdateTimestamp(update)
	updated, ok := update["updated_at"].(string)
	if !ok {
		t.Fatalf("updated_at = %T, want string", update["updated_at"])
	}
	if _, err := time.Parse(time.RFC3339, updated); err != nil {
		t.Errorf("updated_at %q is not RFC3339: %v", updated, err)
	}
}
