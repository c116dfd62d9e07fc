package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func TestSessionEnded(t *testing.T) {
	tests := []struct {
		name       string
		prev, next State
		want       bool
	}{
		{"charging to complete fires", StateCharging, "complete", true},
		{"charging to offline fires", StateCharging, "offline", true},
		{"charging to charging holds", StateCharging, StateCharging, false},
		{"idle to charging holds", StateIdle, StateCharging, false},
		{"idle to not-charging holds", StateIdle, "online", false},
		{"not-charging to not-charging holds", "online", "asleep", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SessionEnded(tt.prev, tt.next); got != tt.want {
				t.Errorf("SessionEnded(%q, %q) = %v, want %v", tt.prev, tt.next, got, tt.want)
			}
		})
	}
}

type fakeSource struct {
	id  int64
	err error
}

func (s *fakeSource) LatestCompletedSession(ctx context.Context) (int64, error) {
	return s.id, s.err
}

type stubMessage struct{ payload []byte }

func (m *stubMessage) Duplicate() bool   { return false }
func (m *stubMessage) Qos() byte         { return 0 }
func (m *stubMessage) Retained() bool    { return false }
func (m *stubMessage) Topic() string     { return "teslamate/cars/1/state" }
func (m *stubMessage) MessageID() uint16 { return 0 }
func (m *stubMessage) Payload() []byte   { return m.payload }
func (m *stubMessage) Ack()              {}

func newTestWatcher(src SessionSource, computed *[]int64) *Watcher {
	return &Watcher{
		Source: src,
		Compute: func(ctx context.Context, id int64) error {
			*computed = append(*computed, id)
			return nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestHandleFiresOnceOnSessionEnd(t *testing.T) {
	var computed []int64
	w := newTestWatcher(&fakeSource{id: 42}, &computed)

	for _, state := range []string{"online", "charging", "charging", "complete", "online"} {
		w.handle(nil, &stubMessage{payload: []byte(state)})
	}

	if len(computed) != 1 || computed[0] != 42 {
		t.Errorf("computed sessions = %v, want [42]", computed)
	}
}

func TestHandleSurvivesMissingSession(t *testing.T) {
	var computed []int64
	w := newTestWatcher(&fakeSource{err: errors.New("not found")}, &computed)

	w.handle(nil, &stubMessage{payload: []byte("charging")})
	w.handle(nil, &stubMessage{payload: []byte("complete")})

	if len(computed) != 0 {
		t.Errorf("computed sessions = %v, want none", computed)
	}
}

func TestHandleFiresAgainOnNextSession(t *testing.T) {
	var computed []int64
	src := &fakeSource{id: 1}
	w := newTestWatcher(src, &computed)

	w.handle(nil, &stubMessage{payload: []byte("charging")})
	w.handle(nil, &stubMessage{payload: []byte("complete")})
	src.id = 2
	w.handle(nil, &stubMessage{payload: []byte("charging")})
	w.handle(nil, &stubMessage{payload: []byte("asleep")})

	if len(computed) != 2 || computed[0] != 1 || computed[1] != 2 {
		t.Errorf("computed sessions = %v, want [1 2]", computed)
	}
}
