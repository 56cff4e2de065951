package memory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/turnstile/pkg/memory"
)

func stores(t *testing.T) map[string]memory.Store {
	t.Helper()
	fs, err := memory.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return map[string]memory.Store{
		"inmemory": memory.NewInMemory(),
		"file":     fs,
	}
}

func TestStore_Lifecycle(t *testing.T) {
	t.Parallel()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := s.Recent(ctx, "s1", 0)
			if err != nil {
				t.Fatalf("Recent on unknown session: %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Fatalf("Recent on unknown session = %#v, want empty non-nil", got)
			}

			for range 2 {
				if err := s.Initialize(ctx, "s1"); err != nil {
					t.Fatalf("Initialize: %v", err)
				}
			}
			got, _ = s.Recent(ctx, "s1", 0)
			if len(got) != 1 || got[0] != (memory.Message{Role: memory.RoleAssistant, Text: memory.Greeting}) {
				t.Fatalf("after Initialize = %+v, want only the greeting", got)
			}

			if err := s.Append(ctx, "s1", memory.Exchange("send the report", "On it.")...); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := s.Append(ctx, "s1", memory.Exchange("thanks", "You're welcome.")...); err != nil {
				t.Fatalf("Append: %v", err)
			}

			got, _ = s.Recent(ctx, "s1", 2)
			want := memory.Exchange("thanks", "You're welcome.")
			if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
				t.Fatalf("Recent(2) = %+v, want %+v", got, want)
			}
			if all, _ := s.Recent(ctx, "s1", 0); len(all) != 5 {
				t.Fatalf("Recent(0) len = %d, want 5", len(all))
			}

			if other, _ := s.Recent(ctx, "s2", 0); len(other) != 0 {
				t.Fatalf("sessions leaked: %+v", other)
			}

			if err := s.Clear(ctx, "s1"); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if got, _ := s.Recent(ctx, "s1", 0); len(got) != 0 {
				t.Fatalf("after Clear = %+v", got)
			}
		})
	}
}

func TestStore_EmptySessionID(t *testing.T) {
	t.Parallel()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Initialize(context.Background(), ""); err != memory.ErrEmptySession {
				t.Errorf("Initialize err = %v, want ErrEmptySession", err)
			}
			if err := s.Append(context.Background(), "", memory.Message{}); err != memory.ErrEmptySession {
				t.Errorf("Append err = %v, want ErrEmptySession", err)
			}
		})
	}
}

func TestStore_RecentReturnsCopy(t *testing.T) {
	t.Parallel()
	s := memory.NewInMemory()
	ctx := context.Background()
	_ = s.Initialize(ctx, "s")
	got, _ := s.Recent(ctx, "s", 0)
	got[0].Text = "mutated"
	again, _ := s.Recent(ctx, "s", 0)
	if again[0].Text != memory.Greeting {
		t.Fatalf("store was mutated through Recent result: %q", again[0].Text)
	}
}

func TestFileStore_CorruptFileReadsEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fs, err := memory.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "s.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := fs.Recent(context.Background(), "s", 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("Recent = %+v, %v; want empty, nil", got, err)
	}
	if err := fs.Initialize(context.Background(), "s"); err != nil {
		t.Fatalf("Initialize over corrupt file: %v", err)
	}
	if got, _ := fs.Recent(context.Background(), "s", 0); len(got) != 1 {
		t.Fatalf("after Initialize = %+v, want greeting", got)
	}
}

func TestFileStore_SanitisesSessionID(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fs, _ := memory.NewFileStore(dir)
	if err := fs.Initialize(context.Background(), "../escape"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "___escape.json")); err != nil {
		t.Fatalf("session file not inside store dir: %v", err)
	}
}
