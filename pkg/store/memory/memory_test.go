package memory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/threadloom/pkg/store"
	"github.com/MrWong99/threadloom/pkg/store/memory"
	"github.com/MrWong99/threadloom/pkg/types"
)

func mkEvent(sessionID, conversationID string, seq uint64, kind types.EventKind, text string) types.TranscriptEvent {
	return types.TranscriptEvent{
		EventID:            fmt.Sprintf("%s-ev-%d", sessionID, seq),
		SessionID:          sessionID,
		ConversationID:     conversationID,
		SequenceNumber:     seq,
		Kind:               kind,
		Text:               text,
		DiarizationVersion: 1,
		ReceivedAt:         time.Date(2025, 6, 1, 12, 0, int(seq), 0, time.UTC),
	}
}

func TestAppendTranscriptEvent_MonotonicGuard(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()

	seq, err := st.AppendTranscriptEvent(ctx, mkEvent("s1", "c1", 1, types.KindFinal, "one"))
	if err != nil {
		t.Fatalf("append seq 1: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected returned sequence 1, got %d", seq)
	}

	if _, err := st.AppendTranscriptEvent(ctx, mkEvent("s1", "c1", 2, types.KindFinal, "two")); err != nil {
		t.Fatalf("append seq 2: %v", err)
	}

	// Equal and lower sequence numbers must be rejected without writing.
	if _, err := st.AppendTranscriptEvent(ctx, mkEvent("s1", "c1", 2, types.KindFinal, "dup")); !errors.Is(err, store.ErrSequenceRegression) {
		t.Errorf("duplicate seq: expected ErrSequenceRegression, got %v", err)
	}
	if _, err := st.AppendTranscriptEvent(ctx, mkEvent("s1", "c1", 1, types.KindFinal, "old")); !errors.Is(err, store.ErrSequenceRegression) {
		t.Errorf("lower seq: expected ErrSequenceRegression, got %v", err)
	}

	// Gaps are fine: the guard requires strictly increasing, not dense.
	if _, err := st.AppendTranscriptEvent(ctx, mkEvent("s1", "c1", 10, types.KindFinal, "ten")); err != nil {
		t.Fatalf("append seq 10: %v", err)
	}

	tail, err := st.LoadSessionTail(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("LoadSessionTail: %v", err)
	}
	if len(tail.Events) != 3 {
		t.Fatalf("expected 3 stored events after rejections, got %d", len(tail.Events))
	}
}

func TestAppendTranscriptEvent_SessionsIndependent(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		if _, err := st.AppendTranscriptEvent(ctx, mkEvent("s1", "c1", seq, types.KindFinal, "a")); err != nil {
			t.Fatalf("s1 append %d: %v", seq, err)
		}
	}

	// A second session starts over at 1 even within the same conversation.
	if _, err := st.AppendTranscriptEvent(ctx, mkEvent("s2", "c1", 1, types.KindFinal, "b")); err != nil {
		t.Fatalf("s2 append 1: %v", err)
	}
}

func TestAppendSpeakerUpdate_VersionGuard(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()

	e := mkEvent("s1", "c1", 1, types.KindFinal, "hello")
	if _, err := st.AppendTranscriptEvent(ctx, e); err != nil {
		t.Fatalf("append event: %v", err)
	}

	update := func(version int, speaker string) types.SpeakerUpdate {
		return types.SpeakerUpdate{
			EventID:            e.EventID,
			SessionID:          "s1",
			NewSpeakerID:       speaker,
			NewConfidence:      0.8,
			DiarizationVersion: version,
			Reason:             types.ReasonOverlapRefined,
		}
	}

	// The event itself carries version 1, so revisions start at 2.
	if err := st.AppendSpeakerUpdate(ctx, update(1, "S1")); !errors.Is(err, store.ErrVersionRegression) {
		t.Errorf("version 1: expected ErrVersionRegression, got %v", err)
	}
	if err := st.AppendSpeakerUpdate(ctx, update(2, "S1")); err != nil {
		t.Fatalf("version 2: %v", err)
	}
	if err := st.AppendSpeakerUpdate(ctx, update(2, "S2")); !errors.Is(err, store.ErrVersionRegression) {
		t.Errorf("repeated version 2: expected ErrVersionRegression, got %v", err)
	}
	if err := st.AppendSpeakerUpdate(ctx, update(3, "S2")); err != nil {
		t.Fatalf("version 3: %v", err)
	}

	unknown := update(2, "S1")
	unknown.EventID = "no-such-event"
	if err := st.AppendSpeakerUpdate(ctx, unknown); err == nil {
		t.Error("expected error for update on unknown event")
	}
}

func TestLoadSessionTail_ReplayWindow(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()

	for seq := uint64(1); seq <= 4; seq++ {
		kind := types.KindFinal
		if seq == 3 {
			kind = types.KindPartial
		}
		if _, err := st.AppendTranscriptEvent(ctx, mkEvent("s1", "c1", seq, kind, fmt.Sprintf("ev %d", seq))); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}

	// Two revisions for event 2; only the latest should come back.
	for _, version := range []int{2, 3} {
		err := st.AppendSpeakerUpdate(ctx, types.SpeakerUpdate{
			EventID:            "s1-ev-2",
			SessionID:          "s1",
			NewSpeakerID:       fmt.Sprintf("S%d", version),
			DiarizationVersion: version,
			Reason:             types.ReasonOverlapRefined,
		})
		if err != nil {
			t.Fatalf("update v%d: %v", version, err)
		}
	}

	tail, err := st.LoadSessionTail(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("LoadSessionTail: %v", err)
	}
	if len(tail.Events) != 2 {
		t.Fatalf("expected 2 events after seq 2, got %d", len(tail.Events))
	}
	if tail.Events[0].SequenceNumber != 3 || tail.Events[1].SequenceNumber != 4 {
		t.Errorf("expected events 3,4 in order, got %d,%d",
			tail.Events[0].SequenceNumber, tail.Events[1].SequenceNumber)
	}

	// Updates cover the whole session even though event 2 is before sinceSeq.
	if len(tail.Updates) != 1 {
		t.Fatalf("expected 1 latest update, got %d", len(tail.Updates))
	}
	if got := tail.Updates[0]; got.EventID != "s1-ev-2" || got.DiarizationVersion != 3 || got.NewSpeakerID != "S3" {
		t.Errorf("unexpected latest update: %+v", got)
	}

	empty, err := st.LoadSessionTail(ctx, "no-such-session", 0)
	if err != nil {
		t.Fatalf("LoadSessionTail empty: %v", err)
	}
	if empty.Events == nil || empty.Updates == nil {
		t.Error("expected non-nil empty slices for unknown session")
	}
	if len(empty.Events) != 0 || len(empty.Updates) != 0 {
		t.Errorf("expected empty tail, got %d events %d updates", len(empty.Events), len(empty.Updates))
	}
}

func TestListUtterances_FinalsWithCurrentSpeaker(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()

	e1 := mkEvent("s1", "c1", 1, types.KindFinal, "first")
	e1.SpeakerID = "S0"
	e2 := mkEvent("s1", "c1", 2, types.KindPartial, "interim")
	e3 := mkEvent("s1", "c1", 3, types.KindFinal, "second")
	// A later session in the same conversation.
	e4 := mkEvent("s2", "c1", 1, types.KindFinal, "third")
	e4.ReceivedAt = e3.ReceivedAt.Add(time.Minute)
	// A different conversation that must not leak in.
	e5 := mkEvent("s3", "c2", 1, types.KindFinal, "other")

	for _, e := range []types.TranscriptEvent{e1, e2, e3, e4, e5} {
		if _, err := st.AppendTranscriptEvent(ctx, e); err != nil {
			t.Fatalf("append %s: %v", e.EventID, err)
		}
	}

	err := st.AppendSpeakerUpdate(ctx, types.SpeakerUpdate{
		EventID:            e3.EventID,
		SessionID:          "s1",
		NewSpeakerID:       "S1",
		DiarizationVersion: 2,
		Reason:             types.ReasonOverlapRefined,
	})
	if err != nil {
		t.Fatalf("speaker update: %v", err)
	}

	utterances, err := st.ListUtterances(ctx, "c1")
	if err != nil {
		t.Fatalf("ListUtterances: %v", err)
	}
	if len(utterances) != 3 {
		t.Fatalf("expected 3 utterances (finals only), got %d", len(utterances))
	}

	want := []struct {
		text    string
		speaker string
	}{
		{"first", "S0"},  // event's own assignment
		{"second", "S1"}, // revised by the update
		{"third", ""},    // never attributed
	}
	for i, w := range want {
		if utterances[i].Text != w.text {
			t.Errorf("utterance %d: expected text %q, got %q", i, w.text, utterances[i].Text)
		}
		if utterances[i].SpeakerID != w.speaker {
			t.Errorf("utterance %d: expected speaker %q, got %q", i, w.speaker, utterances[i].SpeakerID)
		}
	}
}

func TestEnsureConversation_MergesAttaches(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()

	first, err := st.EnsureConversation(ctx, "c1", "audio", []string{"bob", "alice"})
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if first.SourceType != "audio" {
		t.Errorf("expected source_type audio, got %q", first.SourceType)
	}
	if len(first.Participants) != 2 || first.Participants[0] != "alice" || first.Participants[1] != "bob" {
		t.Errorf("expected sorted participants [alice bob], got %v", first.Participants)
	}
	if first.StartedAt.IsZero() {
		t.Error("expected StartedAt to be set")
	}

	if _, err := st.AppendTranscriptEvent(ctx, mkEvent("s1", "c1", 1, types.KindFinal, "hi")); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Reattach: new participant joins, declared source is ignored because the
	// conversation already has one.
	second, err := st.EnsureConversation(ctx, "c1", "text", []string{"carol", "alice"})
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if second.SourceType != "audio" {
		t.Errorf("expected source_type to stay audio, got %q", second.SourceType)
	}
	if len(second.Participants) != 3 || second.Participants[2] != "carol" {
		t.Errorf("expected participants [alice bob carol], got %v", second.Participants)
	}
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Error("expected StartedAt to be preserved across attaches")
	}
	if second.EventCount != 1 {
		t.Errorf("expected event count 1, got %d", second.EventCount)
	}
}

func TestGetConversation_Missing(t *testing.T) {
	st := memory.NewStore()

	c, err := st.GetConversation(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c != nil {
		t.Errorf("expected nil for missing conversation, got %+v", c)
	}
}

func TestUpsertNode_PreservesIdentity(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()

	n := types.Node{
		ConversationID: "c1",
		NodeName:       "Deployment strategy",
		Summary:        "Team debates blue/green vs rolling.",
		ChunkID:        "chunk-1",
		SourceExcerpt:  "we could do blue green",
	}
	if err := st.UpsertNode(ctx, n); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	nodes, err := st.ListNodes(ctx, "c1")
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(nodes))
	}
	created := nodes[0]
	if created.NodeID == "" {
		t.Fatal("expected a generated NodeID")
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}
	if created.EdgeRelations == nil {
		t.Error("expected non-nil EdgeRelations")
	}

	time.Sleep(10 * time.Millisecond)

	revised := n
	revised.Summary = "Team settles on blue/green."
	revised.ChunkID = "chunk-2"
	revised.ChunkTrail = []string{"chunk-1", "chunk-2"}
	revised.EdgeRelations = []types.EdgeRelation{
		{RelatedNode: "Rollback plan", RelationType: types.RelationSupports, RelationText: "informs"},
	}
	if err := st.UpsertNode(ctx, revised); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	nodes, err = st.ListNodes(ctx, "c1")
	if err != nil {
		t.Fatalf("ListNodes after upsert: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("upsert by name must not create a second node, got %d", len(nodes))
	}
	got := nodes[0]
	if got.NodeID != created.NodeID {
		t.Errorf("expected NodeID %q to survive upsert, got %q", created.NodeID, got.NodeID)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Error("expected CreatedAt to be preserved on upsert")
	}
	if !got.UpdatedAt.After(created.UpdatedAt) {
		t.Error("expected UpdatedAt to advance on upsert")
	}
	if got.Summary != revised.Summary {
		t.Errorf("expected summary to be replaced, got %q", got.Summary)
	}
	if len(got.EdgeRelations) != 1 || got.EdgeRelations[0].RelatedNode != "Rollback plan" {
		t.Errorf("unexpected edge relations: %+v", got.EdgeRelations)
	}
}

func TestListNodes_CreationOrder(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()

	for _, name := range []string{"Standup recap", "Incident review", "Action items"} {
		if err := st.UpsertNode(ctx, types.Node{ConversationID: "c1", NodeName: name}); err != nil {
			t.Fatalf("upsert %q: %v", name, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	nodes, err := st.ListNodes(ctx, "c1")
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	want := []string{"Standup recap", "Incident review", "Action items"}
	if len(nodes) != len(want) {
		t.Fatalf("expected %d nodes, got %d", len(want), len(nodes))
	}
	for i, name := range want {
		if nodes[i].NodeName != name {
			t.Errorf("position %d: expected %q, got %q", i, name, nodes[i].NodeName)
		}
	}
}

func TestDeleteConversation_Cascades(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()

	if _, err := st.EnsureConversation(ctx, "c1", "audio", nil); err != nil {
		t.Fatalf("ensure c1: %v", err)
	}
	if _, err := st.EnsureConversation(ctx, "c2", "audio", nil); err != nil {
		t.Fatalf("ensure c2: %v", err)
	}

	e := mkEvent("s1", "c1", 1, types.KindFinal, "doomed")
	if _, err := st.AppendTranscriptEvent(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := st.AppendSpeakerUpdate(ctx, types.SpeakerUpdate{
		EventID: e.EventID, SessionID: "s1", NewSpeakerID: "S1",
		DiarizationVersion: 2, Reason: types.ReasonOverlapRefined,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := st.UpsertNode(ctx, types.Node{ConversationID: "c1", NodeName: "Doomed topic"}); err != nil {
		t.Fatalf("upsert c1 node: %v", err)
	}
	if _, err := st.AppendTranscriptEvent(ctx, mkEvent("s2", "c2", 1, types.KindFinal, "survivor")); err != nil {
		t.Fatalf("append c2: %v", err)
	}

	if err := st.DeleteConversation(ctx, "c1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	if c, _ := st.GetConversation(ctx, "c1"); c != nil {
		t.Error("expected conversation c1 to be gone")
	}
	tail, err := st.LoadSessionTail(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("LoadSessionTail: %v", err)
	}
	if len(tail.Events) != 0 || len(tail.Updates) != 0 {
		t.Errorf("expected cascade to remove events and updates, got %d/%d",
			len(tail.Events), len(tail.Updates))
	}
	nodes, err := st.ListNodes(ctx, "c1")
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("expected cascade to remove nodes, got %d", len(nodes))
	}

	// The sibling conversation is untouched.
	utterances, err := st.ListUtterances(ctx, "c2")
	if err != nil {
		t.Fatalf("ListUtterances c2: %v", err)
	}
	if len(utterances) != 1 {
		t.Errorf("expected c2 to survive, got %d utterances", len(utterances))
	}

	if err := st.DeleteConversation(ctx, "never-existed"); err != nil {
		t.Errorf("deleting a non-existent conversation should not error, got %v", err)
	}
}
