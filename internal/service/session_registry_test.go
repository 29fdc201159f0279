package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/reticlehq/reticle/internal/domain/session"
)

func TestSessionRegistryRegisterGetUnregister(t *testing.T) {
	r := NewSessionRegistry()
	ctx := context.Background()

	s, err := session.New(session.Stdio)
	if err != nil {
		t.Fatal(err)
	}
	r.Register(ctx, s)

	got, err := r.Get(ctx, s.ID)
	if err != nil || got.ID != s.ID {
		t.Fatalf("expected to find session, got %v err=%v", got, err)
	}

	r.Unregister(ctx, s.ID)
	if _, err := r.Get(ctx, s.ID); err != session.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionRegistryListOrderedDescending(t *testing.T) {
	r := NewSessionRegistry()
	ctx := context.Background()

	var last *session.Session
	for i := 0; i < 3; i++ {
		s, err := session.New(session.Stdio)
		if err != nil {
			t.Fatal(err)
		}
		s.StartedAt = int64(i)
		r.Register(ctx, s)
		last = s
	}

	list := r.List(ctx)
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	if list[0].ID != last.ID {
		t.Errorf("expected most recently started session first, got %v", list[0])
	}
}

func TestSessionRegistryConcurrentAccess(t *testing.T) {
	r := NewSessionRegistry()
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s, err := session.New(session.Stdio)
			if err != nil {
				t.Error(err)
				return
			}
			s.ServerName = fmt.Sprintf("server-%d", n)
			r.Register(ctx, s)
			r.List(ctx)
			r.Get(ctx, s.ID)
			r.Count()
			r.Unregister(ctx, s.ID)
		}(i)
	}
	wg.Wait()
}
