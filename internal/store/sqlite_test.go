package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tanq16/vidq/internal/utils"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "vidq.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRequest() utils.Request {
	return utils.Request{
		Title:     "pilot",
		SourceURL: "https://cdn.example.com/pilot.m3u8",
		Priority:  2,
		Parts: []utils.Part{
			{CID: 11, PartNumber: 1, URL: "https://cdn.example.com/a.ts", OutputPath: "/out/pilot_P1.mp4"},
			{CID: 22, PartNumber: 2, URL: "https://cdn.example.com/b.ts", OutputPath: "/out/pilot_P2.mp4"},
		},
	}
}

func TestSaveAndGet(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	created := time.UnixMilli(1700000000000)
	if err := s.SaveTask(ctx, "t1", testRequest(), utils.StatusPending, created); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := s.SaveProgress(ctx, "t1", 40); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}
	if err := s.UpdateStatus(ctx, "t1", utils.StatusFailed, "http-status (status 404)"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	r, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Title != "pilot" || r.Priority != 2 || r.PartCount != 2 || r.Percent != 40 {
		t.Errorf("record = %+v", r)
	}
	if r.Status != utils.StatusFailed || r.Error != "http-status (status 404)" {
		t.Errorf("status = %s %q", r.Status, r.Error)
	}
	if !r.CreatedAt.Equal(created) {
		t.Errorf("created = %v, want %v", r.CreatedAt, created)
	}

	parts, err := s.Parts(ctx, "t1")
	if err != nil {
		t.Fatalf("Parts: %v", err)
	}
	if len(parts) != 2 || parts[1].DatabaseID != 22 || parts[1].OutputPath != "/out/pilot_P2.mp4" {
		t.Errorf("parts = %+v", parts)
	}
}

func TestMissingTask(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if err := s.SaveProgress(ctx, "nope", 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveProgress err = %v, want ErrNotFound", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)
	for i, id := range []string{"a", "b", "c"} {
		req := testRequest()
		req.Title = id
		if err := s.SaveTask(ctx, id, req, utils.StatusPending, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateStatus(ctx, "b", utils.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("list order = %v", ids(all))
	}
	pending, err := s.List(ctx, utils.StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("pending = %v", ids(pending))
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if parts, _ := s.Parts(ctx, "a"); len(parts) != 0 {
		t.Errorf("parts survived delete: %v", parts)
	}
}

func ids(rs []Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
