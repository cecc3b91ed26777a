package store

import (
	"context"
	"sort"
	"testing"
	"time"
)

func TestMemoryJoinAndVerify(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if ok, _ := s.Verify(ctx, "r1"); ok {
		t.Fatal("empty store reports room as existing")
	}

	if err := s.Join(ctx, "c1", "r1", "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if ok, _ := s.Verify(ctx, "r1"); !ok {
		t.Error("room with a member not verified")
	}

	md, ok, _ := s.Metadata(ctx, "c1")
	if !ok {
		t.Fatal("no metadata after Join")
	}
	if md.UserID != "alice" || md.Room != "r1" {
		t.Errorf("metadata = %+v, want user alice in r1", md)
	}
}

func TestMemoryJoinMovesBetweenRooms(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.Join(ctx, "c1", "r1", "alice"); err != nil {
		t.Fatalf("Join r1: %v", err)
	}
	if err := s.Join(ctx, "c1", "r2", "alice"); err != nil {
		t.Fatalf("Join r2: %v", err)
	}

	if ok, _ := s.Verify(ctx, "r1"); ok {
		t.Error("old room still exists after its only member moved")
	}
	members, _ := s.Members(ctx, "r2")
	if len(members) != 1 || members[0] != "c1" {
		t.Errorf("r2 members = %v, want [c1]", members)
	}
}

func TestMemoryMembers(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for _, id := range []string{"c1", "c2", "c3"} {
		if err := s.Join(ctx, id, "r1", "user-"+id); err != nil {
			t.Fatalf("Join %s: %v", id, err)
		}
	}

	members, _ := s.Members(ctx, "r1")
	sort.Strings(members)
	want := []string{"c1", "c2", "c3"}
	if len(members) != len(want) {
		t.Fatalf("members = %v, want %v", members, want)
	}
	for i := range want {
		if members[i] != want[i] {
			t.Errorf("members = %v, want %v", members, want)
			break
		}
	}

	if members, _ := s.Members(ctx, "unknown"); len(members) != 0 {
		t.Errorf("unknown room members = %v, want empty", members)
	}
}

func TestMemoryRemoveConnection(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.Join(ctx, "c1", "r1", "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := s.Join(ctx, "c2", "r1", "bob"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := s.RemoveConnection(ctx, "c1"); err != nil {
		t.Fatalf("RemoveConnection: %v", err)
	}

	if _, ok, _ := s.Metadata(ctx, "c1"); ok {
		t.Error("metadata survived RemoveConnection")
	}
	members, _ := s.Members(ctx, "r1")
	if len(members) != 1 || members[0] != "c2" {
		t.Errorf("r1 members = %v, want [c2]", members)
	}

	// Idempotent, including for connections that never joined.
	if err := s.RemoveConnection(ctx, "c1"); err != nil {
		t.Errorf("second RemoveConnection: %v", err)
	}
	if err := s.RemoveConnection(ctx, "never-connected"); err != nil {
		t.Errorf("RemoveConnection of unknown conn: %v", err)
	}
}

func TestMemoryEmptiedRoomIsDeleted(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.Join(ctx, "c1", "r1", "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := s.RemoveFromRoom(ctx, "r1", "c1"); err != nil {
		t.Fatalf("RemoveFromRoom: %v", err)
	}

	if ok, _ := s.Verify(ctx, "r1"); ok {
		t.Error("emptied room still verifies")
	}
}

func TestMemorySetMetadataBeforeJoin(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	now := time.Now()
	if err := s.SetMetadata(ctx, "c1", Metadata{UserID: "alice", LastVerifiedAt: now}); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	md, ok, _ := s.Metadata(ctx, "c1")
	if !ok {
		t.Fatal("no metadata after SetMetadata")
	}
	if md.UserID != "alice" || md.Room != "" {
		t.Errorf("metadata = %+v, want user alice with no room", md)
	}
	if !md.LastVerifiedAt.Equal(now) {
		t.Errorf("LastVerifiedAt = %v, want %v", md.LastVerifiedAt, now)
	}

	// Joining afterwards keeps the user and records the room.
	if err := s.Join(ctx, "c1", "r1", "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	md, _, _ = s.Metadata(ctx, "c1")
	if md.Room != "r1" {
		t.Errorf("Room = %q after Join, want r1", md.Room)
	}
}

func TestMemoryConcurrentJoins(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			id := string(rune('a' + i))
			for j := 0; j < 100; j++ {
				_ = s.Join(ctx, id, "r1", "user")
				_, _ = s.Members(ctx, "r1")
				_ = s.RemoveConnection(ctx, id)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
