package sets

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeSource struct {
	data map[string][]string
	fail map[string]bool
}

func (f *fakeSource) Members(ctx context.Context, name string) ([]string, error) {
	if f.fail[name] {
		return nil, errors.New("connection refused")
	}
	return f.data[name], nil
}

func TestStore(t *testing.T) {
	store := NewStore(map[string][]string{
		"blacklist": {"m-1", " m-2 "},
	})

	t.Run("Contains", func(t *testing.T) {
		found, ok := store.Contains("blacklist", "m-2")
		if !ok || !found {
			t.Errorf("expected m-2 in blacklist, got found=%v ok=%v", found, ok)
		}

		found, ok = store.Contains("blacklist", "m-3")
		if !ok || found {
			t.Errorf("expected m-3 not in blacklist, got found=%v ok=%v", found, ok)
		}
	})

	t.Run("UnknownSet", func(t *testing.T) {
		if _, ok := store.Contains("whitelist", "m-1"); ok {
			t.Error("expected unknown set")
		}
		if store.HasSet("whitelist") {
			t.Error("HasSet should be false for unknown set")
		}
	})

	t.Run("NamesAreCaseInsensitive", func(t *testing.T) {
		if !store.HasSet("BlackList") {
			t.Error("expected case-insensitive set lookup")
		}
	})

	t.Run("Replace", func(t *testing.T) {
		store.Replace("vip", []string{"u-1"})
		if store.Size("vip") != 1 {
			t.Errorf("expected size 1, got %d", store.Size("vip"))
		}
		if got := store.Names(); len(got) != 2 || got[0] != "blacklist" || got[1] != "vip" {
			t.Errorf("unexpected names: %v", got)
		}
	})
}

func TestRefresh(t *testing.T) {
	store := NewStore(map[string][]string{"blacklist": {"old"}})
	src := &fakeSource{
		data: map[string][]string{
			"blacklist": {"m-9"},
			"watch":     {"u-1", "u-2"},
		},
		fail: map[string]bool{"broken": true},
	}

	err := store.Refresh(context.Background(), src, []string{"blacklist", "broken", "watch"})
	if err == nil {
		t.Error("expected error for failing set")
	}

	if found, _ := store.Contains("blacklist", "m-9"); !found {
		t.Error("expected blacklist refreshed")
	}
	if found, _ := store.Contains("blacklist", "old"); found {
		t.Error("expected old member dropped")
	}
	if store.Size("watch") != 2 {
		t.Errorf("expected watch size 2, got %d", store.Size("watch"))
	}
	if store.HasSet("broken") {
		t.Error("failed set must not be created")
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	store := NewStore(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			store.Replace("blacklist", []string{"m-1"})
		}()
		go func() {
			defer wg.Done()
			store.Contains("blacklist", "m-1")
		}()
	}
	wg.Wait()

	if found, ok := store.Contains("blacklist", "m-1"); !ok || !found {
		t.Error("expected m-1 after concurrent replaces")
	}
}
