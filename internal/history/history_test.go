package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lukasbauer/insightchat/internal/backend"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache", "history.bolt")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func ts(minutes int) *time.Time {
	v := time.Date(2026, 3, 1, 12, minutes, 0, 0, time.UTC)
	return &v
}

func TestSaveAndListTranscripts(t *testing.T) {
	s, _ := openStore(t)

	if err := s.SaveTranscripts([]backend.Transcript{
		{ID: "t1", Title: "Old", UpdatedAt: ts(1)},
		{ID: "t2", Title: "New", UpdatedAt: ts(5)},
		{ID: "t3", Title: "Undated"},
		{ID: "", Title: "skipped"},
	}); err != nil {
		t.Fatalf("SaveTranscripts() error: %v", err)
	}

	list, err := s.Transcripts()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"t2", "t1", "t3"}
	if len(list) != len(want) {
		t.Fatalf("got %d transcripts, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("list[%d] = %q, want %q", i, list[i].ID, id)
		}
	}

	// A second save replaces the snapshot.
	if err := s.SaveTranscripts([]backend.Transcript{{ID: "t9"}}); err != nil {
		t.Fatal(err)
	}
	list, _ = s.Transcripts()
	if len(list) != 1 || list[0].ID != "t9" {
		t.Errorf("after replace: %+v", list)
	}
}

func TestUpsertAndForget(t *testing.T) {
	s, _ := openStore(t)

	_ = s.Upsert(backend.Transcript{ID: "t1", Title: "Sales"})
	_ = s.Upsert(backend.Transcript{ID: "t1", Title: "Q1 sales"})
	_ = s.SetLastActive("t1")

	list, _ := s.Transcripts()
	if len(list) != 1 || list[0].Title != "Q1 sales" {
		t.Fatalf("list = %+v", list)
	}

	if err := s.Forget("t1"); err != nil {
		t.Fatalf("Forget() error: %v", err)
	}
	list, _ = s.Transcripts()
	if len(list) != 0 {
		t.Errorf("list after Forget = %+v", list)
	}
	if id, _ := s.LastActive(); id != "" {
		t.Errorf("LastActive after Forget = %q", id)
	}
}

func TestLastActivePersists(t *testing.T) {
	s, path := openStore(t)

	if err := s.SetLastActive("t4"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if id, err := reopened.LastActive(); err != nil || id != "t4" {
		t.Errorf("LastActive() = %q, %v; want t4", id, err)
	}
	if err := reopened.SetLastActive(""); err != nil {
		t.Fatal(err)
	}
	if id, _ := reopened.LastActive(); id != "" {
		t.Errorf("LastActive after clear = %q", id)
	}
}

func TestNilStore(t *testing.T) {
	var s *Store
	if err := s.SaveTranscripts([]backend.Transcript{{ID: "t1"}}); err != nil {
		t.Error(err)
	}
	if list, err := s.Transcripts(); list != nil || err != nil {
		t.Errorf("Transcripts() = %v, %v", list, err)
	}
	if id, err := s.LastActive(); id != "" || err != nil {
		t.Errorf("LastActive() = %q, %v", id, err)
	}
	if err := s.Close(); err != nil {
		t.Error(err)
	}
}
