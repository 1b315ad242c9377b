package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/steveyegge/teambook/internal/types"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestSubjectForEvent(t *testing.T) {
	if got := SubjectForEvent(types.EventCreated); got != "teambook.events.created" {
		t.Errorf("unexpected subject %q", got)
	}
}

func TestMirrorPublishesEventJSON(t *testing.T) {
	fake := &fakePublisher{}
	mirror := &NATSMirror{conn: fake}

	e := testEvent(types.EventEdited)
	e.ID = 12
	e.Teambook = "core"
	if err := mirror.Handle(context.Background(), e); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(fake.subjects) != 1 || fake.subjects[0] != "teambook.events.edited" {
		t.Fatalf("unexpected subjects %v", fake.subjects)
	}
	var decoded types.Event
	if err := json.Unmarshal(fake.payloads[0], &decoded); err != nil {
		t.Fatalf("payload is not event JSON: %v", err)
	}
	if decoded.ID != 12 || decoded.ItemID != "7" || decoded.Teambook != "core" {
		t.Errorf("unexpected payload %+v", decoded)
	}

	// The mirror covers every event type.
	if mirror.ID() != "nats-mirror" || len(mirror.Handles()) != 0 {
		t.Errorf("unexpected handler shape: %s %v", mirror.ID(), mirror.Handles())
	}
}

func TestMirrorReportsPublishFailure(t *testing.T) {
	fake := &fakePublisher{err: errors.New("nats down")}
	mirror := &NATSMirror{conn: fake}
	if err := mirror.Handle(context.Background(), testEvent(types.EventCreated)); err == nil {
		t.Fatal("expected a publish error")
	}
}

func TestMirrorFromEnvUnset(t *testing.T) {
	t.Setenv(EnvNATSURL, "")
	mirror, err := MirrorFromEnv()
	if mirror != nil || err != nil {
		t.Errorf("expected (nil, nil) when unset, got %v, %v", mirror, err)
	}
}
