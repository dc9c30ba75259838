package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/unihealth/unihealth/internal/platform/auth"
	"github.com/unihealth/unihealth/internal/platform/tree"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []Change
	err     error
	closed  bool
}

func (p *recordingPublisher) Publish(_ context.Context, c Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

func newTestTree(t *testing.T, pub Publisher) (*Tree, *tree.Memory) {
	t.Helper()
	m := tree.NewMemory()
	t.Cleanup(func() { m.Close() })
	ft := New(m, pub, zerolog.Nop())
	ft.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return ft, m
}

// ---------------------------------------------------------------------------
// Tree
// ---------------------------------------------------------------------------

func TestTree_PublishesMutations(t *testing.T) {
	pub := &recordingPublisher{}
	ft, _ := newTestTree(t, pub)
	ctx := auth.WithUser(context.Background(), "u1", "patient")

	if err := ft.Set(ctx, "/healthData/u1/", map[string]any{"steps": 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	key, err := ft.Push(ctx, "appointments/u1", map[string]any{"clinic": "c"})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := ft.Remove(ctx, "appointments/u1/"+key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := ft.Set(ctx, "certificates/u1/c1", nil); err != nil {
		t.Fatalf("Set nil: %v", err)
	}

	want := []Change{
		{Op: OpSet, Path: "healthData/u1"},
		{Op: OpPush, Path: "appointments/u1", Key: key},
		{Op: OpRemove, Path: "appointments/u1/" + key},
		{Op: OpRemove, Path: "certificates/u1/c1"},
	}
	if len(pub.changes) != len(want) {
		t.Fatalf("expected %d changes, got %+v", len(want), pub.changes)
	}
	for i, w := range want {
		got := pub.changes[i]
		if got.Op != w.Op || got.Path != w.Path || got.Key != w.Key {
			t.Errorf("change %d: got %+v, want %+v", i, got, w)
		}
		if got.Actor != "u1" || got.At.IsZero() {
			t.Errorf("change %d: missing actor or time: %+v", i, got)
		}
	}
}

func TestTree_FailedWriteIsNotPublished(t *testing.T) {
	pub := &recordingPublisher{}
	ft, m := newTestTree(t, pub)
	m.Close()

	if err := ft.Set(context.Background(), "a/b", 1); !errors.Is(err, tree.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := ft.Set(context.Background(), "a/../b", 1); err == nil {
		t.Fatal("expected invalid path error")
	}
	if len(pub.changes) != 0 {
		t.Fatalf("expected no changes, got %+v", pub.changes)
	}
}

func TestTree_PublishErrorDoesNotFailWrite(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	ft, m := newTestTree(t, pub)

	if err := ft.Set(context.Background(), "users/u1/name", "Ana"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, _ := m.Get(context.Background(), "users/u1/name"); string(got) != `"Ana"` {
		t.Fatalf("expected write to land, got %s", got)
	}
	if pub.changes[0].Actor != "" {
		t.Errorf("expected empty actor without a session, got %q", pub.changes[0].Actor)
	}
}

func TestChange_PartitionKey(t *testing.T) {
	tests := []struct {
		c    Change
		want string
	}{
		{Change{Path: "appointments/u1", Key: "k1"}, "appointments/u1"},
		{Change{Path: "healthData/u1"}, "healthData/u1"},
		{Change{Path: "users"}, "users"},
		{Change{Path: "prescriptions/u1/x1/status"}, "prescriptions/u1"},
	}
	for _, tt := range tests {
		if got := tt.c.PartitionKey(); got != tt.want {
			t.Errorf("PartitionKey(%+v) = %q, want %q", tt.c, got, tt.want)
		}
	}
}

func TestMulti(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{err: errors.New("b failed")}
	m := Multi{a, b}

	err := m.Publish(context.Background(), Change{Op: OpSet, Path: "x"})
	if err == nil || len(a.changes) != 1 || len(b.changes) != 1 {
		t.Fatalf("expected fan-out with joined error, got %v", err)
	}
	if err := m.Close(); err != nil || !a.closed || !b.closed {
		t.Fatalf("expected both closed, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Kafka
// ---------------------------------------------------------------------------

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w}
	c := Change{Op: OpPush, Path: "appointments/u1", Key: "k1", Actor: "u1", At: time.Unix(100, 0).UTC()}

	if err := p.Publish(context.Background(), c); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "appointments/u1" {
		t.Errorf("unexpected key %q", msg.Key)
	}
	var got Change
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Op != c.Op || got.Path != c.Path || got.Key != c.Key || got.Actor != c.Actor || !got.At.Equal(c.At) {
		t.Errorf("got %+v, want %+v", got, c)
	}

	w.err = errors.New("leader not available")
	if err := p.Publish(context.Background(), c); err == nil {
		t.Error("expected write error")
	}
	_ = p.Close()
	if !w.closed {
		t.Error("expected writer closed")
	}
}

func TestNewKafkaPublisher(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "tree-changes")
	w, ok := p.w.(*kafka.Writer)
	if !ok {
		t.Fatalf("expected *kafka.Writer, got %T", p.w)
	}
	if w.Topic != "tree-changes" {
		t.Errorf("unexpected topic %q", w.Topic)
	}
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Errorf("expected hash balancer, got %T", w.Balancer)
	}
}

// ---------------------------------------------------------------------------
// Webhook
// ---------------------------------------------------------------------------

func TestWebhookPublisher_SignsPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- b
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := NewWebhookPublisher(srv.URL, "s3cret", nil)
	if err != nil {
		t.Fatalf("NewWebhookPublisher: %v", err)
	}
	c := Change{Op: OpSet, Path: "users/u1", At: time.Now()}
	if err := p.Publish(context.Background(), c); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	r := <-received
	body := <-bodies
	if !VerifySignature(body, "s3cret", r.Header.Get(HeaderSignature)) {
		t.Errorf("signature %q does not verify", r.Header.Get(HeaderSignature))
	}
	if VerifySignature(body, "other", r.Header.Get(HeaderSignature)) {
		t.Error("signature verified under the wrong secret")
	}
	if r.Header.Get(HeaderDelivery) == "" || r.Header.Get(HeaderTimestamp) == "" {
		t.Error("missing delivery headers")
	}
}

func TestWebhookPublisher_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p, _ := NewWebhookPublisher(srv.URL, "x", nil)
	if err := p.Publish(context.Background(), Change{Op: OpSet, Path: "a"}); err == nil {
		t.Error("expected error for 502")
	}

	for _, u := range []string{"", "ftp://host", "http://"} {
		if _, err := NewWebhookPublisher(u, "x", nil); err == nil {
			t.Errorf("expected error for %q", u)
		}
	}
}
