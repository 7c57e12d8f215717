package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStorePutGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &CallSession{
		CallID:      "CA100",
		PhoneNumber: "+14155550100",
		MenuState:   "new",
		CreatedAt:   time.Now(),
	}
	if err := store.Put(ctx, session, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "CA100")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PhoneNumber != "+14155550100" {
		t.Errorf("unexpected phone %q", got.PhoneNumber)
	}
	if got.MenuState != "new" {
		t.Errorf("unexpected state %q", got.MenuState)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Put(ctx, &CallSession{CallID: "CA101"}, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	now = now.Add(2 * time.Minute)

	if _, err := store.Get(ctx, "CA101"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expired session still listed: %d", len(active))
	}
}

func TestUpdateRefreshesTTL(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Put(ctx, &CallSession{CallID: "CA102"}, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	now = now.Add(50 * time.Second)
	if _, err := store.Update(ctx, "CA102", time.Minute, func(s *CallSession) error {
		s.MenuState = "menu_root"
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Past the original deadline but inside the refreshed one.
	now = now.Add(30 * time.Second)
	got, err := store.Get(ctx, "CA102")
	if err != nil {
		t.Fatalf("get after refresh: %v", err)
	}
	if got.MenuState != "menu_root" {
		t.Errorf("unexpected state %q", got.MenuState)
	}
}

func TestUpdateMissingSession(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Update(context.Background(), "nope", time.Minute, func(s *CallSession) error {
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentUpdatesLoseNothing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, &CallSession{CallID: "CA103"}, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "CA103", time.Minute, func(s *CallSession) error {
				s.RetryCount++
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "CA103")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RetryCount != workers {
		t.Errorf("expected retry count %d, got %d", workers, got.RetryCount)
	}
}

func TestUpdateFnErrorDoesNotPersist(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, &CallSession{CallID: "CA104", MenuState: "new"}, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	wantErr := errors.New("rejected")
	_, err := store.Update(ctx, "CA104", time.Minute, func(s *CallSession) error {
		s.MenuState = "mutated"
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error, got %v", err)
	}

	got, err := store.Get(ctx, "CA104")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MenuState != "new" {
		t.Errorf("failed update mutated stored session: %q", got.MenuState)
	}
}
