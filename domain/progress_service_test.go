package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"
)

type fakeStore struct {
	tasks     map[string]*TaskEntity
	versions  map[string]int
	conflicts int
	updates   []TaskProgressUpdate
	events    []ProgressEvent
	getErr    error
	updateErr error
}

func newFakeStore(ents ...TaskEntity) *fakeStore {
	s := &fakeStore{tasks: map[string]*TaskEntity{}, versions: map[string]int{}}
	for i := range ents {
		ent := ents[i]
		s.tasks[ent.RowKey] = &ent
	}
	return s
}

func (s *fakeStore) etag(taskID string) string {
	return fmt.Sprintf("W/\"%d\"", s.versions[taskID])
}

func (s *fakeStore) GetTask(_ context.Context, teamID, taskID string) (*TaskEntity, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	ent, ok := s.tasks[taskID]
	if !ok || ent.PartitionKey != teamID {
		return nil, nil
	}
	cp := *ent
	cp.ETag = s.etag(taskID)
	return &cp, nil
}

func (s *fakeStore) ListSubtasks(_ context.Context, teamID, parentID string) ([]TaskEntity, error) {
	var out []TaskEntity
	for _, ent := range s.tasks {
		if ent.PartitionKey == teamID && ent.ParentTaskID == parentID {
			cp := *ent
			cp.ETag = s.etag(ent.RowKey)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowKey < out[j].RowKey })
	return out, nil
}

func (s *fakeStore) UpdateTaskProgress(_ context.Context, upd TaskProgressUpdate, etag string) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	ent, ok := s.tasks[upd.RowKey]
	if !ok {
		return ErrConcurrencyConflict
	}
	if s.conflicts > 0 {
		s.conflicts--
		s.versions[upd.RowKey]++
		return ErrConcurrencyConflict
	}
	if etag != s.etag(upd.RowKey) {
		return ErrConcurrencyConflict
	}
	if upd.ManualProgress != nil {
		ent.ManualProgress = *upd.ManualProgress
	}
	if upd.ProgressValue != nil {
		ent.ProgressValue = *upd.ProgressValue
	}
	if upd.Weight != nil {
		ent.Weight = *upd.Weight
	}
	if upd.EventTimestamp != nil {
		ent.EventTimestamp = *upd.EventTimestamp
	}
	s.versions[upd.RowKey]++
	s.updates = append(s.updates, upd)
	return nil
}

func (s *fakeStore) EnqueueProgressEvents(_ context.Context, _ string, evs []ProgressEvent) error {
	s.events = append(s.events, evs...)
	return nil
}

type push struct {
	target  string
	event   string
	payload any
}

type fakeChannel struct {
	emits      []push
	broadcasts []push
}

func (c *fakeChannel) Emit(_ context.Context, sessionID, event string, payload any) error {
	c.emits = append(c.emits, push{target: sessionID, event: event, payload: payload})
	return nil
}

func (c *fakeChannel) Broadcast(_ context.Context, room, event string, payload any) error {
	c.broadcasts = append(c.broadcasts, push{target: room, event: event, payload: payload})
	return nil
}

func (c *fakeChannel) progressBroadcast(taskID string) *ProgressPayload {
	for i := len(c.broadcasts) - 1; i >= 0; i-- {
		p := c.broadcasts[i]
		if p.event != EventTaskProgress {
			continue
		}
		payload, ok := p.payload.(ProgressPayload)
		if ok && payload.ID == taskID {
			return &payload
		}
	}
	return nil
}

func newTestService(st *fakeStore, ch *fakeChannel) ProgressService {
	svc := NewProgressService(st, ch)
	var tick int64 = 1000
	svc.now = func() int64 {
		tick++
		return tick
	}
	return svc
}

func entity(teamID, taskID, parentID string) TaskEntity {
	return TaskEntity{Entity: Entity{PartitionKey: teamID, RowKey: taskID}, ParentTaskID: parentID, Weight: 1}
}

func TestGetProgressAggregatesWeightedSubtasks(t *testing.T) {
	parent := entity("team-1", "T1", "")
	parent.EventTimestamp = 5
	s1 := entity("team-1", "S1", "T1")
	s1.ManualProgress = true
	s1.ProgressValue = 100
	s1.EventTimestamp = 7
	s2 := entity("team-1", "S2", "T1")
	s2.Weight = 3
	s2.EventTimestamp = 6

	st := newFakeStore(parent, s1, s2)
	ch := &fakeChannel{}
	svc := newTestService(st, ch)
	sess := Session{ID: "sess-1", Room: "team-1"}

	payload, err := svc.GetProgress(context.Background(), sess, "T1")
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if payload == nil {
		t.Fatal("expected payload")
	}
	if payload.CompleteRatio != 25 {
		t.Fatalf("ratio = %d, want 25", payload.CompleteRatio)
	}
	if payload.CompletedCount == nil || *payload.CompletedCount != 1 {
		t.Fatalf("completed count = %v, want 1", payload.CompletedCount)
	}
	if payload.TotalTasksCount == nil || *payload.TotalTasksCount != 2 {
		t.Fatalf("total count = %v, want 2", payload.TotalTasksCount)
	}
	if payload.Timestamp != 7 {
		t.Fatalf("timestamp = %d, want newest subtask timestamp 7", payload.Timestamp)
	}
	if len(ch.emits) != 1 || ch.emits[0].target != "sess-1" || ch.emits[0].event != EventTaskProgress {
		t.Fatalf("unexpected emits: %+v", ch.emits)
	}
	if len(ch.broadcasts) != 1 || ch.broadcasts[0].target != "team-1" {
		t.Fatalf("unexpected broadcasts: %+v", ch.broadcasts)
	}
}

func TestGetProgressRepeatableWithoutMutation(t *testing.T) {
	parent := entity("team-1", "T1", "")
	sub := entity("team-1", "S1", "T1")
	sub.Done = true
	sub.EventTimestamp = 42

	st := newFakeStore(parent, sub)
	svc := newTestService(st, &fakeChannel{})
	sess := Session{Room: "team-1"}

	first, err := svc.GetProgress(context.Background(), sess, "T1")
	if err != nil {
		t.Fatalf("first GetProgress: %v", err)
	}
	second, err := svc.GetProgress(context.Background(), sess, "T1")
	if err != nil {
		t.Fatalf("second GetProgress: %v", err)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if !bytes.Equal(a, b) {
		t.Fatalf("payloads differ without a mutation: %s vs %s", a, b)
	}
}

func TestGetProgressMissingTaskIsSilent(t *testing.T) {
	st := newFakeStore()
	ch := &fakeChannel{}
	svc := newTestService(st, ch)

	payload, err := svc.GetProgress(context.Background(), Session{Room: "team-1"}, "nope")
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if payload != nil {
		t.Fatalf("payload = %+v, want nil", payload)
	}
	if len(ch.emits) != 0 || len(ch.broadcasts) != 0 {
		t.Fatal("missing task must not push anything")
	}
}

func TestGetProgressEmptyTaskID(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeChannel{})
	payload, err := svc.GetProgress(context.Background(), Session{Room: "team-1"}, "")
	if err != nil || payload != nil {
		t.Fatalf("got (%+v, %v), want (nil, nil)", payload, err)
	}
}

func TestSetManualProgressClampsValue(t *testing.T) {
	cases := []struct {
		name  string
		value int
		want  int
	}{
		{"above range", 150, 100},
		{"below range", -20, 0},
		{"in range", 55, 55},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore(entity("team-1", "S1", "T1"))
			ch := &fakeChannel{}
			svc := newTestService(st, ch)

			v := tc.value
			ack, err := svc.SetManualProgress(context.Background(), Session{Room: "team-1"}, SetManualProgress{
				TaskID:        "S1",
				EnableManual:  true,
				ProgressValue: &v,
			})
			if err != nil {
				t.Fatalf("SetManualProgress: %v", err)
			}
			if !ack.Success {
				t.Fatalf("ack failed: %s", ack.Message)
			}
			if !ack.IsManual {
				t.Fatal("ack should report manual mode on")
			}
			if ack.CompleteRatio != tc.want {
				t.Fatalf("ack ratio = %d, want %d", ack.CompleteRatio, tc.want)
			}
			if got := st.tasks["S1"].ProgressValue; got != tc.want {
				t.Fatalf("stored value = %d, want %d", got, tc.want)
			}
			if !st.tasks["S1"].ManualProgress {
				t.Fatal("stored entity should be in manual mode")
			}
			if len(st.events) == 0 || st.events[0].Type != CommandSetManualProgress {
				t.Fatalf("expected refresh event, got %+v", st.events)
			}
		})
	}
}

func TestSetManualProgressRejectedForTasksWithSubtasks(t *testing.T) {
	parent := entity("team-1", "T1", "")
	sub := entity("team-1", "S1", "T1")
	st := newFakeStore(parent, sub)
	ch := &fakeChannel{}
	svc := newTestService(st, ch)

	v := 50
	ack, err := svc.SetManualProgress(context.Background(), Session{Room: "team-1"}, SetManualProgress{
		TaskID:        "T1",
		EnableManual:  true,
		ProgressValue: &v,
	})
	if err != nil {
		t.Fatalf("SetManualProgress: %v", err)
	}
	if ack.Success {
		t.Fatal("manual mode on a task with subtasks must be rejected")
	}
	if ack.Message != "manual progress is only available for tasks without subtasks" {
		t.Fatalf("unexpected message %q", ack.Message)
	}
	if len(st.updates) != 0 {
		t.Fatalf("rejection must not mutate state, got %d updates", len(st.updates))
	}
	if len(st.events) != 0 || len(ch.broadcasts) != 0 {
		t.Fatal("rejection must not enqueue or broadcast anything")
	}
}

func TestSetManualProgressRequiresValue(t *testing.T) {
	st := newFakeStore(entity("team-1", "S1", ""))
	svc := newTestService(st, &fakeChannel{})

	ack, err := svc.SetManualProgress(context.Background(), Session{Room: "team-1"}, SetManualProgress{
		TaskID:       "S1",
		EnableManual: true,
	})
	if err != nil {
		t.Fatalf("SetManualProgress: %v", err)
	}
	if ack.Success || ack.Message != "progress value is required" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestSetManualProgressRecalculateRestoresAggregation(t *testing.T) {
	parent := entity("team-1", "T1", "")
	parent.ManualProgress = true
	parent.ProgressValue = 80
	s1 := entity("team-1", "S1", "T1")
	s1.Done = true
	s2 := entity("team-1", "S2", "T1")

	st := newFakeStore(parent, s1, s2)
	ch := &fakeChannel{}
	svc := newTestService(st, ch)

	ack, err := svc.SetManualProgress(context.Background(), Session{Room: "team-1"}, SetManualProgress{
		TaskID:      "T1",
		Recalculate: true,
	})
	if err != nil {
		t.Fatalf("SetManualProgress: %v", err)
	}
	if !ack.Success {
		t.Fatalf("ack failed: %s", ack.Message)
	}
	if ack.IsManual || ack.ManualProgress {
		t.Fatal("recalculate must switch the task back to automatic mode")
	}
	if ack.CompleteRatio != 50 {
		t.Fatalf("ack ratio = %d, want aggregated 50", ack.CompleteRatio)
	}
	if st.tasks["T1"].ManualProgress {
		t.Fatal("stored entity still manual after recalculate")
	}
	if st.tasks["T1"].ProgressValue != 50 {
		t.Fatalf("stored value = %d, want 50", st.tasks["T1"].ProgressValue)
	}
	payload := ch.progressBroadcast("T1")
	if payload == nil || payload.IsManual {
		t.Fatalf("expected automatic progress broadcast for T1, got %+v", payload)
	}
}

func TestSetManualProgressMissingTask(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeChannel{})
	v := 10
	ack, err := svc.SetManualProgress(context.Background(), Session{Room: "team-1"}, SetManualProgress{
		TaskID:        "nope",
		EnableManual:  true,
		ProgressValue: &v,
	})
	if err != nil {
		t.Fatalf("SetManualProgress: %v", err)
	}
	if ack.Success || ack.Message != "task not found" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestSetManualProgressRefreshesParent(t *testing.T) {
	parent := entity("team-1", "T1", "")
	sub := entity("team-1", "S1", "T1")
	st := newFakeStore(parent, sub)
	ch := &fakeChannel{}
	svc := newTestService(st, ch)

	v := 100
	ack, err := svc.SetManualProgress(context.Background(), Session{Room: "team-1"}, SetManualProgress{
		TaskID:        "S1",
		EnableManual:  true,
		ProgressValue: &v,
	})
	if err != nil {
		t.Fatalf("SetManualProgress: %v", err)
	}
	if !ack.Success {
		t.Fatalf("ack failed: %s", ack.Message)
	}
	own := ch.progressBroadcast("S1")
	if own == nil || own.CompleteRatio != 100 {
		t.Fatalf("expected subtask broadcast at 100, got %+v", own)
	}
	parentPayload := ch.progressBroadcast("T1")
	if parentPayload == nil {
		t.Fatal("expected a parent progress broadcast")
	}
	if parentPayload.CompleteRatio != 100 {
		t.Fatalf("parent ratio = %d, want 100", parentPayload.CompleteRatio)
	}
}

func TestSetManualProgressRetriesOnConflict(t *testing.T) {
	st := newFakeStore(entity("team-1", "S1", ""))
	st.conflicts = 1
	ch := &fakeChannel{}
	svc := newTestService(st, ch)

	v := 40
	ack, err := svc.SetManualProgress(context.Background(), Session{Room: "team-1"}, SetManualProgress{
		TaskID:        "S1",
		EnableManual:  true,
		ProgressValue: &v,
	})
	if err != nil {
		t.Fatalf("SetManualProgress: %v", err)
	}
	if !ack.Success {
		t.Fatalf("ack failed after retry: %s", ack.Message)
	}
	if len(st.updates) != 1 {
		t.Fatalf("applied updates = %d, want 1", len(st.updates))
	}
	if st.tasks["S1"].ProgressValue != 40 {
		t.Fatalf("stored value = %d, want 40", st.tasks["S1"].ProgressValue)
	}
}

func TestSetWeightClamps(t *testing.T) {
	cases := []struct {
		weight float64
		want   int
	}{
		{-5, 1},
		{0, 1},
		{0.4, 1},
		{3.7, 4},
		{2, 2},
	}
	for _, tc := range cases {
		st := newFakeStore(entity("team-1", "T1", ""), entity("team-1", "S1", "T1"))
		svc := newTestService(st, &fakeChannel{})

		w := tc.weight
		ack, err := svc.SetWeight(context.Background(), Session{Room: "team-1"}, SetWeight{TaskID: "S1", Weight: &w})
		if err != nil {
			t.Fatalf("SetWeight(%v): %v", tc.weight, err)
		}
		if !ack.Success {
			t.Fatalf("SetWeight(%v) rejected: %s", tc.weight, ack.Message)
		}
		if got := st.tasks["S1"].Weight; got != tc.want {
			t.Fatalf("SetWeight(%v) stored %d, want %d", tc.weight, got, tc.want)
		}
	}
}

func TestSetWeightRequiresWeight(t *testing.T) {
	st := newFakeStore(entity("team-1", "S1", "T1"))
	svc := newTestService(st, &fakeChannel{})

	ack, err := svc.SetWeight(context.Background(), Session{Room: "team-1"}, SetWeight{TaskID: "S1"})
	if err != nil {
		t.Fatalf("SetWeight: %v", err)
	}
	if ack.Success || ack.Message != "Weight must be a positive integer" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if len(st.updates) != 0 {
		t.Fatal("rejection must not mutate state")
	}
}

func TestSetWeightBroadcastsChange(t *testing.T) {
	parent := entity("team-1", "T1", "")
	sub := entity("team-1", "S1", "T1")
	st := newFakeStore(parent, sub)
	ch := &fakeChannel{}
	svc := newTestService(st, ch)

	w := 3.0
	ack, err := svc.SetWeight(context.Background(), Session{Room: "team-1"}, SetWeight{TaskID: "S1", Weight: &w})
	if err != nil {
		t.Fatalf("SetWeight: %v", err)
	}
	if !ack.Success {
		t.Fatalf("ack failed: %s", ack.Message)
	}

	var notice *WeightChangedPayload
	for _, b := range ch.broadcasts {
		if b.event == EventWeightChanged {
			p := b.payload.(WeightChangedPayload)
			notice = &p
		}
	}
	if notice == nil {
		t.Fatal("expected a weight change broadcast")
	}
	if notice.TaskID != "S1" || notice.Weight != 3 {
		t.Fatalf("unexpected notice %+v", notice)
	}
	if notice.ParentTask == nil || *notice.ParentTask != "T1" {
		t.Fatalf("notice parent = %v, want T1", notice.ParentTask)
	}

	if len(st.events) != 2 {
		t.Fatalf("refresh events = %d, want one for the task and one for the parent", len(st.events))
	}
	if st.events[0].TaskID != "S1" || st.events[1].TaskID != "T1" {
		t.Fatalf("unexpected refresh events %+v", st.events)
	}
	if ch.progressBroadcast("S1") == nil {
		t.Fatal("expected a follow-up progress broadcast for the subtask")
	}
}

func TestSetWeightRetriesOnConflict(t *testing.T) {
	st := newFakeStore(entity("team-1", "S1", "T1"))
	st.conflicts = 1
	svc := newTestService(st, &fakeChannel{})

	w := 2.0
	ack, err := svc.SetWeight(context.Background(), Session{Room: "team-1"}, SetWeight{TaskID: "S1", Weight: &w})
	if err != nil {
		t.Fatalf("SetWeight: %v", err)
	}
	if !ack.Success {
		t.Fatalf("ack failed after retry: %s", ack.Message)
	}
	if st.tasks["S1"].Weight != 2 {
		t.Fatalf("stored weight = %d, want 2", st.tasks["S1"].Weight)
	}
}

func TestHandleDispatchesByType(t *testing.T) {
	st := newFakeStore(entity("team-1", "T1", ""))
	ch := &fakeChannel{}
	svc := newTestService(st, ch)
	sess := Session{ID: "sess-1", Room: "team-1"}

	ack, err := svc.Handle(context.Background(), sess, Command{
		Type: CommandGetProgress,
		Data: []byte(`{"task_id":"T1"}`),
	})
	if err != nil {
		t.Fatalf("Handle get: %v", err)
	}
	if _, ok := ack.(*ProgressPayload); !ok {
		t.Fatalf("get ack type %T", ack)
	}

	ack, err = svc.Handle(context.Background(), sess, Command{
		Type: CommandUpdateWeight,
		Data: []byte(`{"task_id":"T1","weight":"heavy"}`),
	})
	if err != nil {
		t.Fatalf("Handle malformed weight: %v", err)
	}
	wack, ok := ack.(WeightAck)
	if !ok || wack.Success || wack.Message != "Weight must be a positive integer" {
		t.Fatalf("unexpected weight ack %+v", ack)
	}

	ack, err = svc.Handle(context.Background(), sess, Command{
		Type: CommandSetManualProgress,
		Data: []byte(`{"task_id":1}`),
	})
	if err != nil {
		t.Fatalf("Handle malformed manual: %v", err)
	}
	mack, ok := ack.(ManualProgressAck)
	if !ok || mack.Success {
		t.Fatalf("unexpected manual ack %+v", ack)
	}

	_, err = svc.Handle(context.Background(), sess, Command{Type: "rename_task"})
	var verr ValidationError
	if err == nil || !errors.As(err, &verr) {
		t.Fatalf("unknown type error = %v, want ValidationError", err)
	}
}
