package muc

import (
	"testing"
	"time"
)

func TestMessageLogUpsertDeduplicatesReflection(t *testing.T) {
	l := NewMessageLog(time.Hour)
	now := time.Now()

	sent := &ChatMessage{OriginID: "o1", Nick: "me", Body: "hello", Time: now, Outgoing: true}
	if _, created := l.Upsert(sent); !created {
		t.Fatalf("initial record not created")
	}

	// The reflected copy carries the server-assigned stanza id.
	echo := &ChatMessage{OriginID: "o1", StanzaID: "s1", Nick: "me", Body: "hello", Time: now}
	rec, created := l.Upsert(echo)
	if created {
		t.Fatalf("reflection created a duplicate record")
	}
	if rec != sent {
		t.Fatalf("reflection did not merge into the original record")
	}
	if rec.StanzaID != "s1" {
		t.Fatalf("stanza id not absorbed from reflection")
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", l.Len())
	}
	if l.GetByStanzaID("s1") != sent {
		t.Fatalf("stanza-id index not updated on merge")
	}
}

func TestMessageLogDanglingModerationReconciled(t *testing.T) {
	l := NewMessageLog(time.Hour)
	now := time.Now()

	// Moderation arrives before its target message.
	placeholder := l.ApplyModeration("s9", "mod", "offensive", now)
	if placeholder == nil || !placeholder.Dangling {
		t.Fatalf("early moderation did not create a dangling placeholder")
	}

	target := &ChatMessage{OriginID: "o9", StanzaID: "s9", Nick: "troll", Body: "bad", Time: now}
	rec, _ := l.Upsert(target)
	if rec != placeholder {
		t.Fatalf("target message did not reconcile into the placeholder")
	}
	if rec.Dangling {
		t.Fatalf("reconciled record still marked dangling")
	}
	if !rec.Retracted || rec.ModeratedBy != "mod" || rec.ModerationReason != "offensive" {
		t.Fatalf("moderation fields lost on reconciliation: %+v", rec)
	}
	if rec.Body != "bad" || rec.Nick != "troll" {
		t.Fatalf("message content not absorbed: %+v", rec)
	}
	if l.Len() != 1 {
		t.Fatalf("expected exactly 1 final record, got %d", l.Len())
	}
}

func TestMessageLogModerationMutatesInPlace(t *testing.T) {
	l := NewMessageLog(time.Hour)
	now := time.Now()

	l.Upsert(&ChatMessage{OriginID: "o1", StanzaID: "s1", Nick: "troll", Body: "bad", Time: now})

	rec := l.ApplyModeration("s1", "mod", "", now)
	if rec == nil || !rec.Retracted {
		t.Fatalf("moderation did not mutate the target record")
	}
	if l.Len() != 1 {
		t.Fatalf("moderation created a sibling record")
	}
}

func TestMessageLogPurgeDangling(t *testing.T) {
	l := NewMessageLog(time.Minute)
	now := time.Now()

	l.ApplyModeration("stale", "mod", "", now.Add(-2*time.Minute))
	l.ApplyModeration("fresh", "mod", "", now)

	purged := l.PurgeDangling(now)
	if purged != 1 {
		t.Fatalf("expected 1 purged placeholder, got %d", purged)
	}
	if l.GetByStanzaID("stale") != nil {
		t.Fatalf("expired placeholder still present")
	}
	if l.GetByStanzaID("fresh") == nil {
		t.Fatalf("fresh placeholder was purged")
	}
}

func TestMessageLogCorrect(t *testing.T) {
	l := NewMessageLog(time.Hour)
	now := time.Now()

	l.Upsert(&ChatMessage{OriginID: "o1", Nick: "alice", Body: "helo", Time: now})

	rec := l.Correct("o1", "alice", "hello", now.Add(time.Second))
	if rec == nil {
		t.Fatalf("correction rejected")
	}
	if rec.Body != "hello" || !rec.Corrected {
		t.Fatalf("correction did not replace content in place: %+v", rec)
	}
	if l.Len() != 1 {
		t.Fatalf("correction appended a new record")
	}
}

func TestMessageLogCorrectRejectsDifferentSender(t *testing.T) {
	l := NewMessageLog(time.Hour)
	now := time.Now()

	l.Upsert(&ChatMessage{OriginID: "o1", Nick: "alice", Body: "hi", Time: now})

	if rec := l.Correct("o1", "mallory", "hacked", now); rec != nil {
		t.Fatalf("correction from a different sender was applied")
	}
	if got := l.Get("o1"); got.Body != "hi" {
		t.Fatalf("original body was altered: %q", got.Body)
	}
}

func TestMessageLogAnnotate(t *testing.T) {
	l := NewMessageLog(time.Hour)

	l.Upsert(&ChatMessage{OriginID: "o1", Nick: "me", Body: "hi", Outgoing: true})

	rec := l.Annotate("o1", "not-acceptable", "rejected by policy")
	if rec == nil {
		t.Fatalf("annotation target not found")
	}
	if rec.ErrorCondition != "not-acceptable" || rec.ErrorText != "rejected by policy" {
		t.Fatalf("error metadata not recorded: %+v", rec)
	}
	if l.Len() != 1 {
		t.Fatalf("annotation fabricated a new record")
	}

	if l.Annotate("missing", "x", "y") != nil {
		t.Fatalf("annotation of unknown id returned a record")
	}
}
