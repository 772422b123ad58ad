package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/discopilot/discopilot/pkg/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mem.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAppendExchange_FormatsLabeledLines(t *testing.T) {
	got := appendExchange("", "hello", "hi there", 2000)
	want := "User: hello\nBot: hi there"
	if got != want {
		t.Fatalf("appendExchange = %q, want %q", got, want)
	}
}

func TestAppendExchange_JoinsWithBlankLine(t *testing.T) {
	got := appendExchange("User: a\nBot: b", "c", "d", 2000)
	want := "User: a\nBot: b\n\nUser: c\nBot: d"
	if got != want {
		t.Fatalf("appendExchange = %q, want %q", got, want)
	}
}

func TestAppendExchange_TruncatesToTrailingMax(t *testing.T) {
	existing := strings.Repeat("x", 1990)
	got := appendExchange(existing, "question", "answer", 2000)

	if len(got) != 2000 {
		t.Fatalf("length = %d, want exactly 2000", len(got))
	}
	combined := existing + "\n\nUser: question\nBot: answer"
	if got != combined[len(combined)-2000:] {
		t.Fatal("truncation should keep the trailing 2000 characters")
	}
	if !strings.HasSuffix(got, "Bot: answer") {
		t.Fatal("newest exchange should survive truncation")
	}
}

func TestUpdate_CreatesRecordWhenNoneExists(t *testing.T) {
	st := newTestStore(t)
	u := NewUpdater(st, 2000)
	ctx := context.Background()

	if err := u.Update(ctx, "hello", "hi!", ""); err != nil {
		t.Fatalf("Update: %v", err)
	}

	mem, err := st.LatestMemory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mem == nil || mem.Summary != "User: hello\nBot: hi!" {
		t.Fatalf("unexpected memory: %+v", mem)
	}
}

func TestUpdate_UpdatesExistingRecordInPlace(t *testing.T) {
	st := newTestStore(t)
	u := NewUpdater(st, 2000)
	ctx := context.Background()

	created, err := st.CreateMemory(ctx, "User: a\nBot: b")
	if err != nil {
		t.Fatal(err)
	}

	if err := u.Update(ctx, "c", "d", "User: a\nBot: b"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	mem, err := st.LatestMemory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mem.ID != created.ID {
		t.Fatal("expected in-place update, got a new record")
	}
	if mem.Summary != "User: a\nBot: b\n\nUser: c\nBot: d" {
		t.Fatalf("summary = %q", mem.Summary)
	}
}
