package rawstore

import (
	"context"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/moisson/dbopen"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Local Plumbers", "localplumbers"},
		{"shop-2024!", "shop2024"},
		{"  Éléphants  ", "lphants"},
		{"___", ""},
		{"abc123", "abc123"},
	}
	for _, c := range cases {
		if got := Sanitize(c.in); got != c.want {
			t.Errorf("Sanitize(%q) = %q, want %q", c.in, got, c.want)
		}
		// idempotence
		if got := Sanitize(Sanitize(c.in)); got != c.want {
			t.Errorf("Sanitize not idempotent for %q", c.in)
		}
	}
}

func TestAppendAndQuery(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := NewStore(db)
	ctx := context.Background()

	n, err := s.Append(ctx, "Local Plumbers", []Record{
		{Text: "first", HTML: "<p>first</p>", Link: "https://a.example", ScrapedAt: "2026-01-01T00:00:00Z"},
		{Text: "second", HTML: "<p>second</p>", Link: "https://b.example", ScrapedAt: "2026-01-01T00:01:00Z"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 2 {
		t.Fatalf("Append wrote %d, want 2", n)
	}

	got, err := s.Query(ctx, "localplumbers", 40)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Text != "first" || got[1].Text != "second" {
		t.Errorf("order wrong: %q then %q", got[0].Text, got[1].Text)
	}
	if got[0].ID == "" {
		t.Error("record ID not assigned")
	}
}

func TestAppendDropsEmptyRecords(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := NewStore(db)
	ctx := context.Background()

	n, err := s.Append(ctx, "drops", []Record{
		{Text: "ok", Link: "https://a.example"},
		{Text: "no link"},
		{Link: "https://no-content.example"},
		{HTML: "<p>html only</p>", Link: "https://b.example"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 2 {
		t.Fatalf("Append wrote %d, want 2", n)
	}
}

func TestQueryLimit(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := NewStore(db)
	ctx := context.Background()

	var recs []Record
	for i := 0; i < 50; i++ {
		recs = append(recs, Record{Text: "t", Link: "https://x.example"})
	}
	if _, err := s.Append(ctx, "many", recs); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Query(ctx, "many", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 40 {
		t.Errorf("default limit gave %d records, want 40", len(got))
	}
}

func TestQueryMissingTable(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := NewStore(db)

	got, err := s.Query(context.Background(), "never", 10)
	if err != nil {
		t.Fatalf("Query on missing table: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %d", len(got))
	}
}

func TestBadTableName(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := NewStore(db)
	ctx := context.Background()

	if _, err := s.Append(ctx, "!!!", []Record{{Text: "x", Link: "y"}}); !errors.Is(err, ErrBadTableName) {
		t.Errorf("Append: got %v, want ErrBadTableName", err)
	}
	if _, err := s.Query(ctx, "", 10); !errors.Is(err, ErrBadTableName) {
		t.Errorf("Query: got %v, want ErrBadTableName", err)
	}
}

func TestEnsureTableIdempotent(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := NewStore(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.EnsureTable(ctx, "twice"); err != nil {
			t.Fatalf("EnsureTable pass %d: %v", i, err)
		}
	}
}
