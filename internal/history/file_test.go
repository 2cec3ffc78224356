package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cibot/pkg/logx"
)

func openTestStore(t *testing.T) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %v, want nil store", driver, st)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestFileAppendAndRecent(t *testing.T) {
	t.Parallel()

	st, _ := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		err := st.AppendDelivery(ctx, Entry{
			Job:   "job",
			Build: i,
			Event: "STARTED",
			Site:  "s",
			Room:  "ci",
			Code:  200,
			OK:    true,
		})
		if err != nil {
			t.Fatalf("AppendDelivery: %v", err)
		}
	}

	got, err := st.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Last three appends, oldest first.
	if got[0].Build != 3 || got[2].Build != 5 {
		t.Fatalf("builds = %d..%d, want 3..5", got[0].Build, got[2].Build)
	}
	if got[0].At.IsZero() {
		t.Fatalf("timestamp not stamped on append")
	}
}

func TestFileRecentSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	st, path := openTestStore(t)
	ctx := context.Background()

	if err := st.AppendDelivery(ctx, Entry{At: time.Now(), Job: "job", Build: 1, Site: "s", Room: "ci"}); err != nil {
		t.Fatalf("AppendDelivery: %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{garbage\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()
	if err := st.AppendDelivery(ctx, Entry{At: time.Now(), Job: "job", Build: 2, Site: "s", Room: "ci"}); err != nil {
		t.Fatalf("AppendDelivery: %v", err)
	}

	got, err := st.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (malformed line skipped)", len(got))
	}
}

func TestFileRecentMissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", "history.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	// Nothing appended yet; the file exists but is empty.
	got, err := st.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len = %d, want 0", len(got))
	}
}
