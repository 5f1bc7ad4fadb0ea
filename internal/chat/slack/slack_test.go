package slack

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/socialhub/internal/chat"
)

// --- fakes ---

type fakeAPI struct {
	mu        sync.Mutex
	authErr   error
	postErr   error
	uploadErr error
	posts     []fakePost
	uploads   []slackapi.UploadFileParameters
	users     map[string]*slackapi.User
	lookups   int
}

type fakePost struct {
	channel string
	opts    []slackapi.MsgOption
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{users: make(map[string]*slackapi.User)}
}

func (f *fakeAPI) AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &slackapi.AuthTestResponse{UserID: "UBOT"}, nil
}

func (f *fakeAPI) PostMessageContext(ctx context.Context, channel string, opts ...slackapi.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", "", f.postErr
	}
	f.posts = append(f.posts, fakePost{channel: channel, opts: opts})
	return channel, "1700000000.000100", nil
}

func (f *fakeAPI) UploadFileContext(ctx context.Context, p slackapi.UploadFileParameters) (*slackapi.FileSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, p)
	return &slackapi.FileSummary{ID: "F1", Title: p.Title}, nil
}

func (f *fakeAPI) GetUserInfoContext(ctx context.Context, user string) (*slackapi.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if u, ok := f.users[user]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user_not_found")
}

func (f *fakeAPI) lastPost(t *testing.T) fakePost {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.posts) == 0 {
		t.Fatal("nothing posted")
	}
	return f.posts[len(f.posts)-1]
}

// fakeStream serves queued events. RunContext fails fails times, then
// blocks until ctx ends.
type fakeStream struct {
	mu     sync.Mutex
	events chan socketmode.Event
	acks   int
	runs   int
	fails  int
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan socketmode.Event, 10)}
}

func (s *fakeStream) RunContext(ctx context.Context) error {
	s.mu.Lock()
	s.runs++
	fail := s.runs <= s.fails
	s.mu.Unlock()
	if fail {
		return errors.New("websocket: close 1006")
	}
	<-ctx.Done()
	return nil
}

func (s *fakeStream) Events() <-chan socketmode.Event { return s.events }

func (s *fakeStream) Ack(req socketmode.Request, payload ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks++
}

func (s *fakeStream) counts() (runs, acks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.acks
}

func connected(t *testing.T) (*Adapter, *fakeAPI, *fakeStream) {
	t.Helper()
	api, stream := newFakeAPI(), newFakeStream()
	a, err := New(AdapterOpts{API: api, Stream: stream, ChannelID: "CHUB"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a, api, stream
}

func callback(ev *slackevents.MessageEvent) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: ev},
		},
		Request: &socketmode.Request{EnvelopeID: "env"},
	}
}

// formValues renders options the way chat.postMessage would encode them.
func formValues(t *testing.T, opts []slackapi.MsgOption) url.Values {
	t.Helper()
	_, v, err := slackapi.UnsafeApplyMsgOptions("xoxb-test", "C1", "https://slack.com/api/", opts...)
	if err != nil {
		t.Fatalf("apply options: %v", err)
	}
	return v
}

// --- construction ---

func TestNew_Tokens(t *testing.T) {
	if _, err := New(AdapterOpts{AppToken: "xapp-1"}); err == nil {
		t.Error("expected error without a bot token")
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb-1"}); err == nil {
		t.Error("expected error without an app token")
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb-1", AppToken: "xapp-1"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConnect(t *testing.T) {
	a, _, _ := connected(t)
	if a.BotUserID() != "UBOT" {
		t.Errorf("BotUserID = %q", a.BotUserID())
	}

	api := newFakeAPI()
	api.authErr = errors.New("invalid_auth")
	b, _ := New(AdapterOpts{API: api, Stream: newFakeStream()})
	if err := b.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "auth test") {
		t.Errorf("err = %v", err)
	}

	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Error("Connect after Close should fail")
	}
}

// --- inbound ---

func TestListen_RequiresConnect(t *testing.T) {
	a, _ := New(AdapterOpts{API: newFakeAPI(), Stream: newFakeStream()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error before Connect")
	}
}

func TestListen_DeliversThreadedCommand(t *testing.T) {
	a, api, stream := connected(t)
	api.users["U1"] = &slackapi.User{ID: "U1", Profile: slackapi.UserProfile{DisplayName: "maya"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	stream.events <- callback(&slackevents.MessageEvent{
		User:            "U1",
		Channel:         "C1",
		Text:            "!hub post spring sale",
		TimeStamp:       "1700000000.000200",
		ThreadTimeStamp: "1700000000.000100",
	})

	select {
	case msg := <-ch:
		want := chat.InboundMessage{
			Platform:  "slack",
			ChannelID: "C1",
			ThreadID:  "1700000000.000100",
			UserID:    "U1",
			UserName:  "maya",
			Text:      "!hub post spring sale",
		}
		msg.Timestamp = time.Time{}
		if fmt.Sprint(msg) != fmt.Sprint(want) {
			t.Errorf("msg = %+v, want %+v", msg, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}
	if _, acks := stream.counts(); acks != 1 {
		t.Errorf("acks = %d, want 1", acks)
	}
}

func TestDeliver_SkipsBotsEditsAndSelf(t *testing.T) {
	a, _, _ := connected(t)
	for _, ev := range []*slackevents.MessageEvent{
		{User: "UBOT", Channel: "C1", Text: "own reply"},
		{User: "U2", BotID: "B9", Channel: "C1", Text: "other bot"},
		{User: "U2", SubType: "message_changed", Channel: "C1", Text: "edited"},
	} {
		a.deliver(context.Background(), ev)
	}
	if n := len(a.inbound); n != 0 {
		t.Errorf("queued %d messages, want 0", n)
	}
}

func TestRoute_NonCallbackIsAckedNotDelivered(t *testing.T) {
	a, _, stream := connected(t)
	a.route(context.Background(), socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.URLVerification,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: &slackevents.MessageEvent{User: "U1", Text: "x"}},
		},
		Request: &socketmode.Request{EnvelopeID: "env"},
	})
	if len(a.inbound) != 0 {
		t.Error("non-callback payload delivered")
	}
	if _, acks := stream.counts(); acks != 1 {
		t.Errorf("acks = %d, want 1", acks)
	}

	a.route(context.Background(), socketmode.Event{Type: socketmode.EventTypeConnected})
	if _, acks := stream.counts(); acks != 1 {
		t.Error("lifecycle events must not be acked")
	}
}

func TestDisplayName(t *testing.T) {
	a, api, _ := connected(t)
	api.users["U1"] = &slackapi.User{Profile: slackapi.UserProfile{DisplayName: "maya"}}
	api.users["U2"] = &slackapi.User{RealName: "Jon Park"}
	ctx := context.Background()

	cases := map[string]string{"U1": "maya", "U2": "Jon Park", "U3": "U3", "": ""}
	for in, want := range cases {
		if got := a.displayName(ctx, in); got != want {
			t.Errorf("displayName(%q) = %q, want %q", in, got, want)
		}
	}
	before := api.lookups
	a.displayName(ctx, "U1")
	if api.lookups != before {
		t.Error("resolved name should be cached")
	}
}

// --- outbound ---

func TestSend_ThreadAndDefaultChannel(t *testing.T) {
	a, api, _ := connected(t)

	if err := a.Send(context.Background(), chat.OutboundMessage{ChannelID: "C1", ThreadID: "171.5", Text: "Draft saved."}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	post := api.lastPost(t)
	v := formValues(t, post.opts)
	if post.channel != "C1" || v.Get("thread_ts") != "171.5" || v.Get("text") != "Draft saved." {
		t.Errorf("post = %s %v", post.channel, v)
	}

	a.Send(context.Background(), chat.OutboundMessage{Text: "digest"})
	if got := api.lastPost(t).channel; got != "CHUB" {
		t.Errorf("channel = %q, want CHUB", got)
	}
}

func TestSend_Errors(t *testing.T) {
	idle, _ := New(AdapterOpts{API: newFakeAPI(), Stream: newFakeStream()})
	if err := idle.Send(context.Background(), chat.OutboundMessage{ChannelID: "C1", Text: "x"}); err == nil {
		t.Error("expected error before Connect")
	}
	idle.Connect(context.Background())
	if err := idle.Send(context.Background(), chat.OutboundMessage{Text: "x"}); err == nil || !strings.Contains(err.Error(), "no channel") {
		t.Errorf("err = %v, want no channel", err)
	}

	a, api, _ := connected(t)
	api.postErr = errors.New("not_in_channel")
	if err := a.Send(context.Background(), chat.OutboundMessage{Text: "x"}); err == nil || !strings.Contains(err.Error(), "not_in_channel") {
		t.Errorf("err = %v", err)
	}
}

func TestSend_UploadsDraftImageIntoThread(t *testing.T) {
	a, api, _ := connected(t)
	path := filepath.Join(t.TempDir(), "draft_abc.jpg")
	if err := os.WriteFile(path, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := a.Send(context.Background(), chat.OutboundMessage{
		ChannelID: "C1",
		ThreadID:  "171.5",
		Events:    []chat.FormattedEvent{{Title: "Draft"}},
		ImagePath: path,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(api.posts) != 1 {
		t.Fatalf("posts = %d, want the draft card", len(api.posts))
	}
	if len(api.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(api.uploads))
	}
	up := api.uploads[0]
	if up.Channel != "C1" || up.ThreadTimestamp != "171.5" || up.Filename != "draft_abc.jpg" || up.FileSize != len("jpeg bytes") {
		t.Errorf("upload = %+v", up)
	}
}

func TestSend_PublicImageSkipsUpload(t *testing.T) {
	a, api, _ := connected(t)
	err := a.Send(context.Background(), chat.OutboundMessage{
		ChannelID: "C1",
		ImagePath: "/does/not/matter.jpg",
		ImageURL:  "https://hub.example/media/matter.jpg",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(api.uploads) != 0 {
		t.Error("image with a public URL should not be uploaded")
	}
	if !strings.Contains(formValues(t, api.lastPost(t).opts).Get("attachments"), "hub.example/media/matter.jpg") {
		t.Error("public image URL missing from post")
	}
}

func TestSend_UploadError(t *testing.T) {
	a, api, _ := connected(t)
	path := filepath.Join(t.TempDir(), "d.png")
	os.WriteFile(path, []byte("png"), 0o644)
	api.uploadErr = errors.New("file_uploads_disabled")
	err := a.Send(context.Background(), chat.OutboundMessage{ChannelID: "C1", ImagePath: path})
	if err == nil || !strings.Contains(err.Error(), "upload image") {
		t.Errorf("err = %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, _, _ := connected(t)
	a.Listen(context.Background())
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	// Late events must not panic on the closed stream.
	a.deliver(context.Background(), &slackevents.MessageEvent{User: "U1", Channel: "C1", Text: "late"})
}

// --- rendering ---

func TestMessageOptions(t *testing.T) {
	if n := len(messageOptions(chat.OutboundMessage{Text: "hi"})); n != 1 {
		t.Errorf("text only: %d options, want 1", n)
	}

	opts := messageOptions(chat.OutboundMessage{
		Text:     "Draft for review",
		ThreadID: "171.5",
		Events:   []chat.FormattedEvent{{Title: "Draft"}, {Title: "Captions"}},
		ImageURL: "https://hub.example/media/a.png",
	})
	v := formValues(t, opts)
	atts := v.Get("attachments")
	if strings.Count(atts, "https://hub.example/media/a.png") != 1 {
		t.Errorf("image should appear once: %s", atts)
	}
	if !strings.Contains(atts, `"title":"Draft"`) || v.Get("text") != "Draft for review" || v.Get("thread_ts") != "171.5" {
		t.Errorf("values = %v", v)
	}

	lone := formValues(t, messageOptions(chat.OutboundMessage{ImageURL: "https://hub.example/media/b.png"}))
	if !strings.Contains(lone.Get("attachments"), "media/b.png") {
		t.Errorf("attachments = %s", lone.Get("attachments"))
	}
}

func TestAttachment(t *testing.T) {
	att := attachment(chat.FormattedEvent{
		Title: "Post published",
		Body:  "Spring sale",
		Color: "#36a64f",
		Fields: []chat.Field{
			{Name: "Post", Value: "abcd1234", Short: true},
			{Name: "Twitter", Value: "posted", Short: true},
		},
	})
	if att.Title != "Post published" || att.Fallback != "Post published" || att.Text != "Spring sale" || att.Color != "#36a64f" {
		t.Errorf("attachment = %+v", att)
	}
	if len(att.Fields) != 2 || att.Fields[1].Title != "Twitter" || !att.Fields[1].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
}

func TestMessageTime(t *testing.T) {
	got := messageTime("1700000000.000250")
	if got.Unix() != 1700000000 || got.Nanosecond() != 250000 {
		t.Errorf("messageTime = %v", got)
	}
	for _, bad := range []string{"", "soon"} {
		if !messageTime(bad).IsZero() {
			t.Errorf("messageTime(%q) should be zero", bad)
		}
	}
}

// --- retries ---

func TestWithRateLimitRetry(t *testing.T) {
	calls := 0
	err := withRateLimitRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("recovers: err = %v, calls = %d", err, calls)
	}

	calls = 0
	err = withRateLimitRetry(context.Background(), func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	})
	if err == nil || calls != rateLimitRetries+1 {
		t.Errorf("exhausts: err = %v, calls = %d", err, calls)
	}

	calls = 0
	withRateLimitRetry(context.Background(), func() error {
		calls++
		return errors.New("channel_not_found")
	})
	if calls != 1 {
		t.Errorf("other errors: calls = %d, want 1", calls)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = withRateLimitRetry(ctx, func() error { return &slackapi.RateLimitedError{RetryAfter: time.Minute} })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ctx: err = %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := backoff{base: time.Second, limit: 5 * time.Second}
	for n, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second} {
		if got := b.delay(n); got != want {
			t.Errorf("delay(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestKeepAlive_RestartsAfterDrop(t *testing.T) {
	a, _, stream := connected(t)
	stream.fails = 2
	a.reconnect = backoff{base: time.Millisecond, limit: 5 * time.Millisecond, tries: 5}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.keepAlive(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if runs, _ := stream.counts(); runs == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection was not restarted")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepAlive did not return after cancel")
	}
}

func TestKeepAlive_GivesUp(t *testing.T) {
	a, _, stream := connected(t)
	stream.fails = 100
	a.reconnect = backoff{base: time.Millisecond, limit: time.Millisecond, tries: 3}
	a.keepAlive(context.Background())
	if runs, _ := stream.counts(); runs != 3 {
		t.Errorf("runs = %d, want 3", runs)
	}
}
