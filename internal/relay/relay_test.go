package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/chatrelay/internal/dify"
	"github.com/zulandar/chatrelay/internal/models"
	"github.com/zulandar/chatrelay/internal/store"
	"github.com/zulandar/chatrelay/internal/stream"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	helloSSE = "data: {\"event\":\"message\",\"conversation_id\":\"abc\",\"answer\":\"Hel\"}\n\n" +
		"data: {\"event\":\"message\",\"conversation_id\":\"abc\",\"answer\":\"lo\"}\n\n" +
		"data: {\"event\":\"message_end\",\"conversation_id\":\"abc\",\"id\":\"m-1\",\"metadata\":{\"retriever_resources\":[{\"content\":\"alpha beta\\r\\nab\"}]}}\n\n" +
		"data: [DONE]\n\n"
	testKey = "app-key"
)

// fakeStream replays an SSE body through the real decoder.
type fakeStream struct {
	dec    *stream.Decoder
	panic  bool
	closed bool
}

func (s *fakeStream) Next() (stream.Event, error) {
	if s.panic {
		panic("boom")
	}
	evt, err := s.dec.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &dify.ConnectionError{Err: err}
	}
	return evt, err
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// fakeUpstream records requests and serves a fixed body.
type fakeUpstream struct {
	mu       sync.Mutex
	body     io.Reader
	openErr  error
	panic    bool
	requests []dify.ChatRequest
	keys     []string
	last     *fakeStream
}

func (u *fakeUpstream) Stream(ctx context.Context, apiKey string, req dify.ChatRequest) (EventStream, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests = append(u.requests, req)
	u.keys = append(u.keys, apiKey)
	if u.openErr != nil {
		return nil, u.openErr
	}
	u.last = &fakeStream{dec: stream.NewDecoder(u.body), panic: u.panic}
	return u.last, nil
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

// brokenWriter accepts n writes and then fails.
type brokenWriter struct {
	n   int
	buf bytes.Buffer
}

func (w *brokenWriter) Write(p []byte) (int, error) {
	if w.n <= 0 {
		return 0, errors.New("client gone")
	}
	w.n--
	return w.buf.Write(p)
}

type fixture struct {
	db       *gorm.DB
	store    *store.Store
	app      *models.App
	upstream *fakeUpstream
	relay    *Relay
}

func newFixture(t *testing.T, body string) *fixture {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := gormDB.AutoMigrate(&models.App{}, &models.Conversation{}, &models.Message{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	app := &models.App{Name: "support", APIKeyEnv: "KEY_SUPPORT"}
	if err := gormDB.Create(app).Error; err != nil {
		t.Fatalf("seed app: %v", err)
	}
	st, err := store.New(gormDB)
	if err != nil {
		t.Fatal(err)
	}
	up := &fakeUpstream{body: strings.NewReader(body)}
	r, err := New(Opts{
		Store:    st,
		Upstream: up,
		Credentials: EnvCredentials{Lookup: func(name string) (string, bool) {
			if name == "KEY_SUPPORT" {
				return testKey, true
			}
			return "", false
		}},
		User: "tester",
		Now:  func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) },
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{db: gormDB, store: st, app: app, upstream: up, relay: r}
}

func (f *fixture) countMessages(t *testing.T, role string) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&models.Message{}).Where("role = ?", role).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

// failCreates makes the first n inserts into messages fail after the call;
// n < 0 fails every insert. It returns a counter of attempted inserts.
func (f *fixture) failCreates(t *testing.T, n int) *int {
	t.Helper()
	attempts := 0
	err := f.db.Callback().Create().Before("gorm:create").Register("test:fail_messages", func(tx *gorm.DB) {
		if tx.Statement.Table != "messages" {
			return
		}
		attempts++
		if n < 0 || attempts <= n {
			tx.AddError(errors.New("injected failure"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
	return &attempts
}

// frames splits SSE output into payloads.
func frames(t *testing.T, out string) []string {
	t.Helper()
	if !strings.HasSuffix(out, "\n\n") {
		t.Fatalf("output does not end with a blank line: %q", out)
	}
	var payloads []string
	for _, f := range strings.Split(strings.TrimSuffix(out, "\n\n"), "\n\n") {
		if !strings.HasPrefix(f, "data: ") {
			t.Fatalf("frame %q lacks data prefix", f)
		}
		payloads = append(payloads, strings.TrimPrefix(f, "data: "))
	}
	return payloads
}

func decode(t *testing.T, payload string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		t.Fatalf("decode %q: %v", payload, err)
	}
	return m
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Opts{Upstream: &fakeUpstream{}}); err == nil {
		t.Error("expected error without store")
	}
	st := &store.Store{}
	if _, err := New(Opts{Store: st}); err == nil {
		t.Error("expected error without upstream")
	}
	r, err := New(Opts{Store: st, Upstream: &fakeUpstream{}})
	if err != nil {
		t.Fatal(err)
	}
	if r.user != DefaultUser || r.attempts != DefaultCompleteAttempts {
		t.Errorf("defaults = %q/%d", r.user, r.attempts)
	}
}

func TestExchange_EndToEnd(t *testing.T) {
	f := newFixture(t, helloSSE)
	ctx := context.Background()

	x, err := f.relay.Start(ctx, Request{Message: "Say hello", AppID: f.app.ID})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if x.State() != StateStreaming {
		t.Errorf("State = %v, want streaming", x.State())
	}
	var out bytes.Buffer
	if err := x.Run(ctx, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if x.State() != StateDone {
		t.Errorf("State = %v, want done", x.State())
	}
	if !f.upstream.last.closed {
		t.Error("upstream stream not closed")
	}

	req := f.upstream.requests[0]
	if req.Query != "Say hello" || req.User != "tester" || req.ConversationID != "" {
		t.Errorf("upstream request = %+v", req)
	}
	if f.upstream.keys[0] != testKey {
		t.Errorf("api key = %q", f.upstream.keys[0])
	}

	got := frames(t, out.String())
	if len(got) != 5 {
		t.Fatalf("frames = %d, want 5: %q", len(got), got)
	}
	if decode(t, got[0])["answer"] != "Hel" || decode(t, got[1])["answer"] != "lo" {
		t.Errorf("fragments = %s, %s", got[0], got[1])
	}
	if !strings.Contains(got[2], `"id":"m-1"`) {
		t.Errorf("message_end not forwarded verbatim: %s", got[2])
	}
	final := decode(t, got[3])
	if final["event"] != "message_end" || final["full_answer"] != "Hello" {
		t.Errorf("final event = %v", final)
	}
	if final["message_id"] != float64(x.AssistantMessageID()) || x.AssistantMessageID() == 0 {
		t.Errorf("message_id = %v, want %d", final["message_id"], x.AssistantMessageID())
	}
	if final["id"] != "m-1" {
		t.Errorf("original fields dropped: %v", final)
	}
	if got[4] != stream.DoneMarker {
		t.Errorf("last frame = %q, want [DONE]", got[4])
	}

	conv, err := f.store.GetConversationWithMessages(ctx, x.ConversationID())
	if err != nil {
		t.Fatal(err)
	}
	if conv.Title != "New conversation - 2026/03/04 05:06" {
		t.Errorf("Title = %q", conv.Title)
	}
	if !conv.HasUpstreamID() || *conv.UpstreamID != "abc" {
		t.Errorf("UpstreamID = %v, want abc", conv.UpstreamID)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	assistant := conv.Messages[1]
	if assistant.Content != "Hello" || assistant.Role != models.RoleAssistant {
		t.Errorf("assistant = %+v", assistant)
	}
	var rawLog []json.RawMessage
	if err := json.Unmarshal([]byte(*assistant.RawEvents), &rawLog); err != nil || len(rawLog) != 3 {
		t.Errorf("raw log = %s (%v)", *assistant.RawEvents, err)
	}
	var bundle struct {
		AllKeyphrases []string `json:"all_keyphrases"`
	}
	if err := json.Unmarshal([]byte(*assistant.Keyphrases), &bundle); err != nil {
		t.Fatalf("keyphrases: %v", err)
	}
	if len(bundle.AllKeyphrases) != 1 || bundle.AllKeyphrases[0] != "alpha beta" {
		t.Errorf("all_keyphrases = %v", bundle.AllKeyphrases)
	}
}

func TestExchange_FollowUpSendsUpstreamID(t *testing.T) {
	f := newFixture(t, helloSSE)
	ctx := context.Background()
	x, err := f.relay.Start(ctx, Request{Message: "one", AppID: f.app.ID})
	if err != nil {
		t.Fatal(err)
	}
	if err := x.Run(ctx, io.Discard); err != nil {
		t.Fatal(err)
	}

	f.upstream.body = strings.NewReader(helloSSE)
	x2, err := f.relay.Start(ctx, Request{Message: "two", AppID: f.app.ID, ConversationID: x.ConversationID()})
	if err != nil {
		t.Fatal(err)
	}
	if x2.ConversationID() != x.ConversationID() {
		t.Errorf("conversation = %d, want %d", x2.ConversationID(), x.ConversationID())
	}
	if got := f.upstream.requests[1].ConversationID; got != "abc" {
		t.Errorf("upstream conversation_id = %q, want abc", got)
	}
	if err := x2.Run(ctx, io.Discard); err != nil {
		t.Fatal(err)
	}
	if n := f.countMessages(t, models.RoleAssistant); n != 2 {
		t.Errorf("assistant messages = %d, want 2", n)
	}
}

func TestExchange_PersistenceFailure(t *testing.T) {
	f := newFixture(t, helloSSE)
	ctx := context.Background()
	x, err := f.relay.Start(ctx, Request{Message: "hi", AppID: f.app.ID})
	if err != nil {
		t.Fatal(err)
	}
	attempts := f.failCreates(t, -1)

	var out bytes.Buffer
	if err := x.Run(ctx, &out); err == nil {
		t.Fatal("expected error from Run")
	}
	if *attempts != DefaultCompleteAttempts {
		t.Errorf("attempts = %d, want %d", *attempts, DefaultCompleteAttempts)
	}
	got := frames(t, out.String())
	if got[len(got)-1] != stream.DoneMarker {
		t.Errorf("last frame = %q", got[len(got)-1])
	}
	errFrame := decode(t, got[len(got)-2])
	if errFrame["event"] != "error" || !strings.Contains(errFrame["error"].(string), "failed to save") {
		t.Errorf("error frame = %v", errFrame)
	}
	if strings.Contains(out.String(), "full_answer") {
		t.Error("augmented event emitted despite failed commit")
	}
	if n := f.countMessages(t, models.RoleAssistant); n != 0 {
		t.Errorf("assistant messages = %d, want 0", n)
	}
	if n := f.countMessages(t, models.RoleUser); n != 1 {
		t.Errorf("user messages = %d, want 1", n)
	}
	conv, _ := f.store.GetConversation(ctx, x.ConversationID())
	if conv.HasUpstreamID() {
		t.Error("upstream id committed despite failed commit")
	}
	if x.State() != StateErrored {
		t.Errorf("State = %v, want errored", x.State())
	}
}

func TestExchange_CommitRetrySucceeds(t *testing.T) {
	f := newFixture(t, helloSSE)
	ctx := context.Background()
	x, err := f.relay.Start(ctx, Request{Message: "hi", AppID: f.app.ID})
	if err != nil {
		t.Fatal(err)
	}
	attempts := f.failCreates(t, 2)

	var out bytes.Buffer
	if err := x.Run(ctx, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if *attempts != 3 {
		t.Errorf("attempts = %d, want 3", *attempts)
	}
	if !strings.Contains(out.String(), `"full_answer":"Hello"`) {
		t.Errorf("output = %s", out.String())
	}
	if n := f.countMessages(t, models.RoleAssistant); n != 1 {
		t.Errorf("assistant messages = %d, want 1", n)
	}
}

func TestExchange_Truncated(t *testing.T) {
	body := "data: {\"event\":\"message\",\"answer\":\"partial\"}\n\n"
	f := newFixture(t, body)
	ctx := context.Background()
	x, err := f.relay.Start(ctx, Request{Message: "hi", AppID: f.app.ID})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := x.Run(ctx, &out); err == nil {
		t.Fatal("expected error")
	}
	got := frames(t, out.String())
	if len(got) != 3 {
		t.Fatalf("frames = %q", got)
	}
	if e := decode(t, got[1]); e["event"] != "error" || !strings.Contains(e["error"].(string), "ended before") {
		t.Errorf("synthetic error = %v", e)
	}
	if got[2] != stream.DoneMarker {
		t.Errorf("last frame = %q", got[2])
	}
	if n := f.countMessages(t, models.RoleAssistant); n != 0 {
		t.Errorf("assistant messages = %d, want 0", n)
	}
}

func TestExchange_UpstreamErrorEventNotDuplicated(t *testing.T) {
	body := "data: {\"event\":\"message\",\"answer\":\"x\"}\n\n" +
		"data: {\"event\":\"error\",\"status\":400,\"code\":\"invalid_param\",\"message\":\"bad\"}\n\n"
	f := newFixture(t, body)
	ctx := context.Background()
	x, err := f.relay.Start(ctx, Request{Message: "hi", AppID: f.app.ID})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	x.Run(ctx, &out)

	got := frames(t, out.String())
	if len(got) != 3 {
		t.Fatalf("frames = %q, want message, upstream error, [DONE]", got)
	}
	if e := decode(t, got[1]); e["code"] != "invalid_param" {
		t.Errorf("error frame = %v, want upstream error verbatim", e)
	}
}

func TestExchange_MidStreamConnectionLoss(t *testing.T) {
	body := io.MultiReader(
		strings.NewReader("data: {\"event\":\"message\",\"answer\":\"x\"}\n\n"),
		failingReader{err: errors.New("connection reset")},
	)
	f := newFixture(t, "")
	f.upstream.body = body
	ctx := context.Background()
	x, err := f.relay.Start(ctx, Request{Message: "hi", AppID: f.app.ID})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err = x.Run(ctx, &out)
	var connErr *dify.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("Run error = %v, want *dify.ConnectionError", err)
	}
	got := frames(t, out.String())
	if e := decode(t, got[len(got)-2]); !strings.Contains(e["error"].(string), "connection lost") {
		t.Errorf("error frame = %v", e)
	}
}

func TestExchange_ClientGoneStillCommits(t *testing.T) {
	f := newFixture(t, helloSSE)
	ctx, cancel := context.WithCancel(context.Background())
	x, err := f.relay.Start(ctx, Request{Message: "hi", AppID: f.app.ID})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	w := &brokenWriter{n: 1}
	if err := x.Run(ctx, w); err == nil {
		t.Error("expected client error from Run")
	}
	if n := f.countMessages(t, models.RoleAssistant); n != 1 {
		t.Errorf("assistant messages = %d, want 1", n)
	}
	conv, _ := f.store.GetConversation(context.Background(), x.ConversationID())
	if !conv.HasUpstreamID() {
		t.Error("upstream id not committed")
	}
	if strings.Contains(w.buf.String(), "lo") {
		t.Errorf("forwarding continued after write failure: %q", w.buf.String())
	}
}

func TestExchange_PanicBecomesErrorEvent(t *testing.T) {
	f := newFixture(t, helloSSE)
	f.upstream.panic = true
	ctx := context.Background()
	x, err := f.relay.Start(ctx, Request{Message: "hi", AppID: f.app.ID})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := x.Run(ctx, &out); err == nil {
		t.Fatal("expected error")
	}
	got := frames(t, out.String())
	if len(got) != 2 || got[1] != stream.DoneMarker {
		t.Fatalf("frames = %q", got)
	}
	if e := decode(t, got[0]); e["event"] != "error" {
		t.Errorf("frame = %v", e)
	}
	if !f.upstream.last.closed {
		t.Error("upstream not closed after panic")
	}
}

// panicOnDoneWriter panics the first time it is asked to write [DONE].
type panicOnDoneWriter struct {
	buf      bytes.Buffer
	panicked bool
}

func (w *panicOnDoneWriter) Write(p []byte) (int, error) {
	if !w.panicked && strings.Contains(string(p), stream.DoneMarker) {
		w.panicked = true
		panic("write exploded")
	}
	return w.buf.Write(p)
}

func TestExchange_PanicAfterFinalEventSendsNoErrorEvent(t *testing.T) {
	f := newFixture(t, helloSSE)
	ctx := context.Background()
	x, err := f.relay.Start(ctx, Request{Message: "hi", AppID: f.app.ID})
	if err != nil {
		t.Fatal(err)
	}
	w := &panicOnDoneWriter{}
	if err := x.Run(ctx, w); err == nil {
		t.Fatal("expected error from panic")
	}
	got := frames(t, w.buf.String())
	if len(got) != 5 {
		t.Fatalf("frames = %d, want 5: %q", len(got), got)
	}
	if final := decode(t, got[3]); final["full_answer"] != "Hello" {
		t.Errorf("final event = %v", final)
	}
	if got[4] != stream.DoneMarker {
		t.Errorf("last frame = %q, want [DONE]", got[4])
	}
	for _, fr := range got {
		if strings.Contains(fr, `"event":"error"`) {
			t.Errorf("unexpected error frame after completion: %s", fr)
		}
	}
	if n := f.countMessages(t, models.RoleAssistant); n != 1 {
		t.Errorf("assistant messages = %d, want 1", n)
	}
}

func TestExchange_MessageEndWithOddFieldsStillCommits(t *testing.T) {
	body := "data: {\"event\":\"message\",\"id\":7,\"conversation_id\":\"abc\",\"answer\":\"Hel\"}\n\n" +
		"data: {\"event\":\"message\",\"conversation_id\":null,\"answer\":\"lo\"}\n\n" +
		"data: {\"event\":\"message_end\",\"conversation_id\":\"abc\",\"id\":42,\"metadata\":{}}\n\n" +
		"data: [DONE]\n\n"
	f := newFixture(t, body)
	ctx := context.Background()
	x, err := f.relay.Start(ctx, Request{Message: "hi", AppID: f.app.ID})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := x.Run(ctx, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if x.State() != StateDone {
		t.Errorf("State = %v, want done", x.State())
	}
	got := frames(t, out.String())
	if len(got) != 5 {
		t.Fatalf("frames = %d, want 5: %q", len(got), got)
	}
	final := decode(t, got[3])
	if final["full_answer"] != "Hello" || final["id"] != float64(42) {
		t.Errorf("final event = %v", final)
	}

	conv, err := f.store.GetConversationWithMessages(ctx, x.ConversationID())
	if err != nil {
		t.Fatal(err)
	}
	if !conv.HasUpstreamID() || *conv.UpstreamID != "abc" {
		t.Errorf("UpstreamID = %v, want abc", conv.UpstreamID)
	}
	if len(conv.Messages) != 2 || conv.Messages[1].Content != "Hello" {
		t.Fatalf("messages = %+v", conv.Messages)
	}
}

func TestExchange_MessageEndWithBadMetadataStillCommits(t *testing.T) {
	body := "data: {\"event\":\"message\",\"answer\":\"ok\"}\n\n" +
		"data: {\"event\":\"message_end\",\"metadata\":\"not an object\"}\n\n"
	f := newFixture(t, body)
	ctx := context.Background()
	x, err := f.relay.Start(ctx, Request{Message: "hi", AppID: f.app.ID})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := x.Run(ctx, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	msg, err := f.store.GetMessage(ctx, x.AssistantMessageID())
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "ok" {
		t.Errorf("Content = %q, want ok", msg.Content)
	}
	var bundle struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(*msg.Keyphrases), &bundle); err != nil {
		t.Fatalf("keyphrases: %v", err)
	}
	if bundle.Error == "" {
		t.Errorf("keyphrases = %s, want error recorded", *msg.Keyphrases)
	}
}

func TestStart_TrimsMessage(t *testing.T) {
	f := newFixture(t, helloSSE)
	ctx := context.Background()
	x, err := f.relay.Start(ctx, Request{Message: "  Say hello \n", AppID: f.app.ID})
	if err != nil {
		t.Fatal(err)
	}
	if q := f.upstream.requests[0].Query; q != "Say hello" {
		t.Errorf("upstream query = %q, want trimmed", q)
	}
	msg, err := f.store.GetMessage(ctx, x.UserMessageID())
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "Say hello" {
		t.Errorf("stored content = %q, want trimmed", msg.Content)
	}
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t, helloSSE)
	ctx := context.Background()

	tests := []struct {
		name     string
		req      Request
		kind     Kind
		notFound bool
	}{
		{"blank message", Request{Message: "  \n", AppID: f.app.ID}, KindValidation, false},
		{"missing app", Request{Message: "hi"}, KindValidation, false},
		{"unknown app", Request{Message: "hi", AppID: 99}, KindValidation, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.relay.Start(ctx, tt.req)
			var rerr *Error
			if !errors.As(err, &rerr) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if rerr.Kind != tt.kind || rerr.NotFound != tt.notFound {
				t.Errorf("error = %+v", rerr)
			}
		})
	}
	if n := f.countMessages(t, models.RoleUser); n != 0 {
		t.Errorf("user messages = %d, want 0", n)
	}
	if len(f.upstream.requests) != 0 {
		t.Errorf("upstream called %d times", len(f.upstream.requests))
	}
}

func TestStart_MissingCredential(t *testing.T) {
	f := newFixture(t, helloSSE)
	f.relay.creds = EnvCredentials{Lookup: func(string) (string, bool) { return "", false }}

	_, err := f.relay.Start(context.Background(), Request{Message: "hi", AppID: f.app.ID})
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != KindConfiguration {
		t.Fatalf("error = %v, want configuration error", err)
	}
	if !strings.Contains(err.Error(), "KEY_SUPPORT") {
		t.Errorf("error = %q, want variable name", err.Error())
	}
}

func TestStart_UpstreamUnavailableKeepsUserMessage(t *testing.T) {
	f := newFixture(t, helloSSE)
	f.upstream.openErr = &dify.ConnectionError{StatusCode: 502, Body: "bad gateway"}

	_, err := f.relay.Start(context.Background(), Request{Message: "hi", AppID: f.app.ID})
	var connErr *dify.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error = %v, want *dify.ConnectionError", err)
	}
	if n := f.countMessages(t, models.RoleUser); n != 1 {
		t.Errorf("user messages = %d, want 1", n)
	}
}

func TestEnvCredentials(t *testing.T) {
	env := map[string]string{"SET": " key-1 ", "BLANK": "  "}
	c := EnvCredentials{Lookup: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}

	key, err := c.APIKey(&models.App{Name: "a", APIKeyEnv: "SET"})
	if err != nil || key != "key-1" {
		t.Errorf("APIKey = %q, %v", key, err)
	}
	for _, name := range []string{"BLANK", "UNSET", ""} {
		if _, err := c.APIKey(&models.App{Name: "a", APIKeyEnv: name}); err == nil {
			t.Errorf("APIKey(%q) expected error", name)
		}
	}
}

func TestAugment_PreservesNumbers(t *testing.T) {
	raw := json.RawMessage(`{"event":"message_end","metadata":{"usage":{"total_tokens":12345678901234567890}}}`)
	out, err := augment(raw, 7, "answer")
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	for _, want := range []string{`12345678901234567890`, `"message_id":7`, `"full_answer":"answer"`} {
		if !strings.Contains(s, want) {
			t.Errorf("augment output %s missing %s", s, want)
		}
	}
}

func TestKindAndStateStrings(t *testing.T) {
	if KindPersistence.String() != "persistence" {
		t.Errorf("KindPersistence = %q", KindPersistence.String())
	}
	if StateCompleting.String() != "completing" {
		t.Errorf("StateCompleting = %q", StateCompleting.String())
	}
	if State(42).String() != "state(42)" {
		t.Errorf("State(42) = %q", State(42).String())
	}
}
