package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"chatstore/internal/sqldb"
	"chatstore/pkg/domain"
)

// StateStoreFactory builds the store under test over a migrated database.
type StateStoreFactory func(t testing.TB, db *sqldb.DB) domain.StateStore

// RunStateStoreSuite exercises the StateStore contract against every
// available backend.
func RunStateStoreSuite(t *testing.T, newStore StateStoreFactory) {
	for _, backend := range Backends() {
		t.Run(backend.Name, func(t *testing.T) {
			open := func(t *testing.T) domain.StateStore {
				return newStore(t, backend.Open(t))
			}
			t.Run("FreshStoreScenario", func(t *testing.T) { testFreshStoreScenario(t, open(t)) })
			t.Run("Idempotent", func(t *testing.T) { testIdempotent(t, open(t)) })
			t.Run("OrderingAcrossBatches", func(t *testing.T) { testOrderingAcrossBatches(t, open(t)) })
			t.Run("LastInBatchWinsOnTie", func(t *testing.T) { testLastInBatchWins(t, open(t)) })
			t.Run("CacheCoherence", func(t *testing.T) { testCacheCoherence(t, open(t)) })
			t.Run("AccountData", func(t *testing.T) { testAccountData(t, open(t)) })
			t.Run("CursorUnchangedWhenEmpty", func(t *testing.T) { testCursorUnchanged(t, open(t)) })
			t.Run("RoomsAndMembership", func(t *testing.T) { testRooms(t, open(t)) })
			t.Run("TimelineAndPrune", func(t *testing.T) { testTimelineAndPrune(t, open(t)) })
			t.Run("ConcurrentRooms", func(t *testing.T) { testConcurrentRooms(t, open(t)) })
			t.Run("ConcurrentSameKey", func(t *testing.T) { testConcurrentSameKey(t, open(t)) })
			t.Run("ExpiredDeadline", func(t *testing.T) { testExpiredDeadline(t, open(t)) })
			t.Run("InvalidBatch", func(t *testing.T) { testInvalidBatch(t, open(t)) })
		})
	}
}

// Topic builds an m.room.topic state update.
func Topic(topic, eventID string, ordering int64) domain.StateUpdate {
	content, _ := json.Marshal(map[string]string{"topic": topic})
	return domain.StateUpdate{EventType: "m.room.topic", Content: content, EventID: eventID, Ordering: ordering}
}

func mustApply(t *testing.T, s domain.StateStore, b domain.Batch) {
	t.Helper()
	if err := s.ApplyChanges(context.Background(), b); err != nil {
		t.Fatalf("ApplyChanges(%s): %v", b.RoomID, err)
	}
}

func mustState(t *testing.T, s domain.StateStore, room, eventType, key string) domain.StateEntry {
	t.Helper()
	e, ok, err := s.GetState(context.Background(), room, eventType, key)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if !ok {
		t.Fatalf("GetState(%s,%s,%q): not found", room, eventType, key)
	}
	return e
}

func topicOf(t *testing.T, e domain.StateEntry) string {
	t.Helper()
	var v struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(e.Content, &v); err != nil {
		t.Fatalf("decode topic: %v", err)
	}
	return v.Topic
}

func testFreshStoreScenario(t *testing.T, s domain.StateStore) {
	ctx := context.Background()
	if _, ok, err := s.GetCursor(ctx); err != nil || ok {
		t.Fatalf("fresh store cursor: ok=%v err=%v", ok, err)
	}
	mustApply(t, s, domain.Batch{
		RoomID: "R1",
		State:  []domain.StateUpdate{Topic("hello", "$1", 1)},
		Cursor: "s1",
	})
	if got := topicOf(t, mustState(t, s, "R1", "m.room.topic", "")); got != "hello" {
		t.Fatalf("expected topic hello, got %q", got)
	}
	token, ok, err := s.GetCursor(ctx)
	if err != nil || !ok || token != "s1" {
		t.Fatalf("cursor: %q ok=%v err=%v", token, ok, err)
	}
}

func testIdempotent(t *testing.T, s domain.StateStore) {
	alice := "@alice:example.org"
	b := domain.Batch{
		RoomID:     "R1",
		Membership: domain.MembershipJoin,
		State: []domain.StateUpdate{
			Topic("one", "$1", 1),
			{EventType: "m.room.member", StateKey: "@alice:example.org", Content: json.RawMessage(`{"membership":"join"}`), EventID: "$2", Ordering: 2},
		},
		Timeline: []domain.TimelineEvent{
			{EventID: "$1", Ordering: 1, EventType: "m.room.topic", Sender: alice},
			{EventID: "$2", Ordering: 2, EventType: "m.room.member", Sender: alice, StateKey: &alice},
		},
		AccountData: []domain.AccountDataUpdate{{RoomID: "R1", DataType: "m.tag", Content: json.RawMessage(`{"tags":{}}`)}},
		Cursor:      "s1",
	}
	mustApply(t, s, b)
	mustApply(t, s, b)
	ctx := context.Background()
	members, err := s.GetStateByType(ctx, "R1", "m.room.member")
	if err != nil || len(members) != 1 || members[0].EventID != "$2" {
		t.Fatalf("members after replay: %+v err=%v", members, err)
	}
	timeline, err := s.GetTimeline(ctx, "R1", 10)
	if err != nil || len(timeline) != 2 {
		t.Fatalf("timeline after replay: %+v err=%v", timeline, err)
	}
	if timeline[1].StateKey == nil || *timeline[1].StateKey != alice {
		t.Fatalf("expected state key on member event, got %+v", timeline[1])
	}
	room, ok, err := s.GetRoom(ctx, "R1")
	if err != nil || !ok || room.TimelinePosition != 2 || room.Membership != domain.MembershipJoin {
		t.Fatalf("room after replay: %+v ok=%v err=%v", room, ok, err)
	}
	// Replaying must not record the current row as superseded history.
	if n, err := s.Prune(ctx, "R1", 100); err != nil || n != 2 {
		t.Fatalf("expected only the 2 timeline rows reclaimable, got %d err=%v", n, err)
	}
}

func testOrderingAcrossBatches(t *testing.T, s domain.StateStore) {
	mustApply(t, s, domain.Batch{RoomID: "R1", State: []domain.StateUpdate{Topic("newer", "$9", 9)}})
	mustApply(t, s, domain.Batch{RoomID: "R1", State: []domain.StateUpdate{Topic("older", "$3", 3)}})
	e := mustState(t, s, "R1", "m.room.topic", "")
	if topicOf(t, e) != "newer" || e.Ordering != 9 {
		t.Fatalf("older update overwrote newer: %+v", e)
	}
	mustApply(t, s, domain.Batch{RoomID: "R1", State: []domain.StateUpdate{Topic("newest", "$10", 10)}})
	if got := topicOf(t, mustState(t, s, "R1", "m.room.topic", "")); got != "newest" {
		t.Fatalf("expected newest, got %q", got)
	}
}

func testLastInBatchWins(t *testing.T, s domain.StateStore) {
	mustApply(t, s, domain.Batch{RoomID: "R1", State: []domain.StateUpdate{
		Topic("first", "$a", 5),
		Topic("second", "$b", 5),
		Topic("stale", "$c", 4),
	}})
	e := mustState(t, s, "R1", "m.room.topic", "")
	if topicOf(t, e) != "second" || e.EventID != "$b" {
		t.Fatalf("expected later item on equal ordering, got %+v", e)
	}
}

func testCacheCoherence(t *testing.T, s domain.StateStore) {
	ctx := context.Background()
	if _, ok, err := s.GetState(ctx, "R1", "m.room.topic", ""); err != nil || ok {
		t.Fatalf("expected absent state, ok=%v err=%v", ok, err)
	}
	for i := int64(1); i <= 5; i++ {
		want := fmt.Sprintf("topic-%d", i)
		mustApply(t, s, domain.Batch{RoomID: "R1", State: []domain.StateUpdate{Topic(want, fmt.Sprintf("$%d", i), i)}, Cursor: want})
		if got := topicOf(t, mustState(t, s, "R1", "m.room.topic", "")); got != want {
			t.Fatalf("read after write %d returned %q", i, got)
		}
		if token, _, err := s.GetCursor(ctx); err != nil || token != want {
			t.Fatalf("cursor after write %d: %q err=%v", i, token, err)
		}
	}
}

func testAccountData(t *testing.T, s domain.StateStore) {
	ctx := context.Background()
	mustApply(t, s, domain.Batch{AccountData: []domain.AccountDataUpdate{
		{DataType: "m.push_rules", Content: json.RawMessage(`{"v":1}`)},
		{DataType: "m.push_rules", Content: json.RawMessage(`{"v":2}`)},
	}})
	mustApply(t, s, domain.Batch{RoomID: "R1", AccountData: []domain.AccountDataUpdate{
		{RoomID: "R1", DataType: "m.push_rules", Content: json.RawMessage(`{"room":true}`)},
	}})
	global, ok, err := s.GetAccountData(ctx, "", "m.push_rules")
	if err != nil || !ok || string(global.Content) != `{"v":2}` {
		t.Fatalf("global account data: %s ok=%v err=%v", global.Content, ok, err)
	}
	room, ok, err := s.GetAccountData(ctx, "R1", "m.push_rules")
	if err != nil || !ok || string(room.Content) != `{"room":true}` {
		t.Fatalf("room account data: %s ok=%v err=%v", room.Content, ok, err)
	}
	if _, ok, err := s.GetAccountData(ctx, "R2", "m.push_rules"); err != nil || ok {
		t.Fatalf("expected no account data for R2, ok=%v err=%v", ok, err)
	}
}

func testCursorUnchanged(t *testing.T, s domain.StateStore) {
	mustApply(t, s, domain.Batch{Cursor: "s1"})
	mustApply(t, s, domain.Batch{RoomID: "R1", State: []domain.StateUpdate{Topic("t", "$1", 1)}})
	token, ok, err := s.GetCursor(context.Background())
	if err != nil || !ok || token != "s1" {
		t.Fatalf("cursor changed by batch without cursor: %q ok=%v err=%v", token, ok, err)
	}
}

func testRooms(t *testing.T, s domain.StateStore) {
	ctx := context.Background()
	mustApply(t, s, domain.Batch{RoomID: "R1", Membership: domain.MembershipJoin})
	mustApply(t, s, domain.Batch{RoomID: "R2", Membership: domain.MembershipInvite})
	mustApply(t, s, domain.Batch{RoomID: "R3", Membership: domain.MembershipJoin})
	mustApply(t, s, domain.Batch{RoomID: "R3", Membership: domain.MembershipLeave})
	// An unset membership keeps the stored one.
	mustApply(t, s, domain.Batch{RoomID: "R1", State: []domain.StateUpdate{Topic("t", "$1", 1)}})

	joined, err := s.ListRooms(ctx, domain.MembershipJoin)
	if err != nil || len(joined) != 1 || joined[0].RoomID != "R1" {
		t.Fatalf("joined rooms: %+v err=%v", joined, err)
	}
	all, err := s.ListRooms(ctx, domain.MembershipUnknown)
	if err != nil || len(all) != 3 {
		t.Fatalf("all rooms: %+v err=%v", all, err)
	}
	left, ok, err := s.GetRoom(ctx, "R3")
	if err != nil || !ok || left.Membership != domain.MembershipLeave {
		t.Fatalf("left room: %+v ok=%v err=%v", left, ok, err)
	}
	if _, ok, err := s.GetRoom(ctx, "R9"); err != nil || ok {
		t.Fatalf("unknown room: ok=%v err=%v", ok, err)
	}
}

func testTimelineAndPrune(t *testing.T, s domain.StateStore) {
	ctx := context.Background()
	for i := int64(1); i <= 6; i++ {
		mustApply(t, s, domain.Batch{
			RoomID:   "R1",
			State:    []domain.StateUpdate{Topic(fmt.Sprintf("t%d", i), fmt.Sprintf("$%d", i), i)},
			Timeline: []domain.TimelineEvent{{EventID: fmt.Sprintf("$%d", i), Ordering: i, EventType: "m.room.topic", Sender: "@a:x"}},
		})
	}
	last, err := s.GetTimeline(ctx, "R1", 3)
	if err != nil || len(last) != 3 || last[0].Ordering != 4 || last[2].Ordering != 6 {
		t.Fatalf("timeline tail: %+v err=%v", last, err)
	}
	// History holds $1..$5, the timeline $1..$6. Below 4: three of each.
	removed, err := s.Prune(ctx, "R1", 4)
	if err != nil || removed != 6 {
		t.Fatalf("prune removed %d err=%v", removed, err)
	}
	if got := topicOf(t, mustState(t, s, "R1", "m.room.topic", "")); got != "t6" {
		t.Fatalf("prune touched current state: %q", got)
	}
	// Current state is never reclaimable, however high the bound.
	if _, err := s.Prune(ctx, "R1", 1<<40); err != nil {
		t.Fatalf("prune all: %v", err)
	}
	if got := topicOf(t, mustState(t, s, "R1", "m.room.topic", "")); got != "t6" {
		t.Fatalf("prune removed current state: %q", got)
	}
	rest, err := s.GetTimeline(ctx, "R1", 10)
	if err != nil || len(rest) != 0 {
		t.Fatalf("timeline after full prune: %+v err=%v", rest, err)
	}
}

func testConcurrentRooms(t *testing.T, s domain.StateStore) {
	const rooms, batches = 6, 8
	var g errgroup.Group
	for r := 0; r < rooms; r++ {
		room := fmt.Sprintf("R%d", r)
		g.Go(func() error {
			for i := int64(1); i <= batches; i++ {
				b := domain.Batch{RoomID: room, State: []domain.StateUpdate{Topic(fmt.Sprintf("%s-%d", room, i), fmt.Sprintf("$%s-%d", room, i), i)}}
				if err := s.ApplyChanges(context.Background(), b); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent apply: %v", err)
	}
	for r := 0; r < rooms; r++ {
		room := fmt.Sprintf("R%d", r)
		if got, want := topicOf(t, mustState(t, s, room, "m.room.topic", "")), fmt.Sprintf("%s-%d", room, batches); got != want {
			t.Fatalf("room %s: got %q want %q", room, got, want)
		}
	}
}

func testConcurrentSameKey(t *testing.T, s domain.StateStore) {
	const writers = 12
	var g errgroup.Group
	for i := int64(1); i <= writers; i++ {
		i := i
		g.Go(func() error {
			return s.ApplyChanges(context.Background(), domain.Batch{
				RoomID: "R1",
				State:  []domain.StateUpdate{Topic(fmt.Sprintf("t%d", i), fmt.Sprintf("$%d", i), i)},
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent apply: %v", err)
	}
	e := mustState(t, s, "R1", "m.room.topic", "")
	if e.Ordering != writers {
		t.Fatalf("highest ordering must win regardless of interleaving, got %+v", e)
	}
}

func testExpiredDeadline(t *testing.T, s domain.StateStore) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	err := s.ApplyChanges(ctx, domain.Batch{RoomID: "R1", State: []domain.StateUpdate{Topic("t", "$1", 1)}})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if errors.Is(err, domain.ErrStorage) {
		t.Fatalf("timeout must not also be a storage error: %v", err)
	}
}

func testInvalidBatch(t *testing.T, s domain.StateStore) {
	ctx := context.Background()
	bad := []domain.Batch{
		{State: []domain.StateUpdate{Topic("t", "$1", 1)}},
		{RoomID: "R1", Membership: "banned"},
		{RoomID: "R1", State: []domain.StateUpdate{{EventType: "m.room.topic", EventID: "$1", Content: json.RawMessage(`{`)}}},
		{RoomID: "R1", State: []domain.StateUpdate{Topic("t", "", 1)}},
		{RoomID: "R1", State: []domain.StateUpdate{Topic("t", "$1", -1)}},
		{RoomID: "R1", AccountData: []domain.AccountDataUpdate{{RoomID: "R2", DataType: "m.tag", Content: json.RawMessage(`{}`)}}},
	}
	for i, b := range bad {
		if err := s.ApplyChanges(ctx, b); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("batch %d: expected invalid argument, got %v", i, err)
		}
	}
	if _, err := s.GetTimeline(ctx, "R1", 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid limit error, got %v", err)
	}
}
