package session

import (
	"context"
	"sync"
	"testing"

	"qrattend/internal/model"
	"qrattend/internal/store"
)

func TestOpenSupersedesPreviousSession(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemory())

	first, err := r.Open(ctx, "T1", "Math", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Active || first.Code == "" || first.ID == "" {
		t.Fatalf("open returned %+v", first)
	}
	if first.Settings != model.DefaultSettings() {
		t.Fatalf("settings = %+v, want defaults", first.Settings)
	}

	second, err := r.Open(ctx, "T1", "Physics", &model.Settings{AllowMultipleAttendance: true})
	if err != nil {
		t.Fatal(err)
	}
	if second.Code == first.Code {
		t.Fatal("code did not rotate")
	}

	got, err := r.FindByCode(ctx, first.Code)
	if err != nil || got != nil {
		t.Fatalf("superseded code still valid: %+v, %v", got, err)
	}
	got, err = r.FindByCode(ctx, second.Code)
	if err != nil || got == nil || got.ID != second.ID {
		t.Fatalf("active code lookup = %+v, %v", got, err)
	}

	sessions, err := r.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[1].Active || sessions[1].EndedAt == nil {
		t.Fatalf("history = %+v", sessions)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemory())

	closed, err := r.Close(ctx)
	if err != nil || closed {
		t.Fatalf("close with nothing open = %v, %v", closed, err)
	}

	s, _ := r.Open(ctx, "T1", "Math", nil)
	closed, err = r.Close(ctx)
	if err != nil || !closed {
		t.Fatalf("close = %v, %v", closed, err)
	}
	if got, _ := r.FindByCode(ctx, s.Code); got != nil {
		t.Fatal("closed code still valid")
	}
	if cur, _ := r.Current(ctx); cur != nil {
		t.Fatalf("current after close = %+v", cur)
	}

	closed, err = r.Close(ctx)
	if err != nil || closed {
		t.Fatalf("second close = %v, %v", closed, err)
	}
}

func TestConcurrentOpensLeaveOneActive(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := NewRegistry(mem)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Open(ctx, "T1", "Race", nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	sessions, err := mem.ListSessions(ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	active := 0
	for _, s := range sessions {
		if s.Active {
			active++
		}
	}
	if len(sessions) != 20 || active != 1 {
		t.Fatalf("sessions=%d active=%d, want 20 and 1", len(sessions), active)
	}
}

func TestFindByCodeEmpty(t *testing.T) {
	r := NewRegistry(store.NewMemory(), WithCodeGenerator(func() string { return "ABC" }))
	if _, err := r.Open(context.Background(), "T1", "Math", nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.FindByCode(context.Background(), ""); got != nil {
		t.Fatal("empty code matched a session")
	}
	if got, _ := r.FindByCode(context.Background(), "ABC"); got == nil {
		t.Fatal("fixed code not found")
	}
}
