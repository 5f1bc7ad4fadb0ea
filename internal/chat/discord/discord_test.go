package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/socialhub/internal/chat"
)

// --- fakes ---

type fakeGateway struct {
	mu       sync.Mutex
	open     bool
	closed   bool
	openErr  error
	sendErr  error
	sent     []sentMessage
	handlers []any
	removed  int
	channels map[string]*discordgo.Channel
}

type sentMessage struct {
	target string
	data   *discordgo.MessageSend
	files  [][]byte
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{channels: make(map[string]*discordgo.Channel)}
}

func (g *fakeGateway) Open() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return g.openErr
	}
	g.open = true
	return nil
}

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *fakeGateway) Channel(id string) (*discordgo.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.channels[id]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("unknown channel %s", id)
}

func (g *fakeGateway) ChannelMessageSendComplex(id string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	var files [][]byte
	for _, f := range data.Files {
		b, _ := io.ReadAll(f.Reader)
		files = append(files, b)
	}
	g.sent = append(g.sent, sentMessage{target: id, data: data, files: files})
	return &discordgo.Message{ID: "m1"}, nil
}

func (g *fakeGateway) AddHandler(h any) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, h)
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.removed++
	}
}

func (g *fakeGateway) ready(id string) {
	g.mu.Lock()
	hs := append([]any(nil), g.handlers...)
	g.mu.Unlock()
	for _, h := range hs {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.Ready)); ok {
			fn(nil, &discordgo.Ready{User: &discordgo.User{ID: id, Username: "hub"}})
		}
	}
}

func (g *fakeGateway) last(t *testing.T) sentMessage {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return g.sent[len(g.sent)-1]
}

func connected(t *testing.T) (*Adapter, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	a, err := New(AdapterOpts{Gateway: gw, ChannelID: "C_HUB"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	gw.ready("BOT")
	return a, gw
}

func message(id, channel, author, text string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        id,
		ChannelID: channel,
		Content:   text,
		Author:    &discordgo.User{ID: author, Username: strings.ToLower(author)},
	}}
}

func next(t *testing.T, ch <-chan chat.InboundMessage) chat.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}
	return chat.InboundMessage{}
}

// --- lifecycle ---

func TestNew_RequiresBotToken(t *testing.T) {
	if _, err := New(AdapterOpts{}); err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("err = %v", err)
	}
	if _, err := New(AdapterOpts{BotToken: "t"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConnect(t *testing.T) {
	a, gw := connected(t)
	if !gw.open {
		t.Error("gateway not opened")
	}
	if a.BotUserID() != "BOT" {
		t.Errorf("BotUserID = %q, want id from Ready", a.BotUserID())
	}

	n := len(gw.handlers)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if len(gw.handlers) != n {
		t.Error("second Connect registered handlers again")
	}
}

func TestConnect_Errors(t *testing.T) {
	gw := newFakeGateway()
	gw.openErr = errors.New("4004 authentication failed")
	a, _ := New(AdapterOpts{Gateway: gw})
	if err := a.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "open gateway") {
		t.Errorf("err = %v", err)
	}

	b, _ := connected(t)
	b.Close()
	if err := b.Connect(context.Background()); err == nil {
		t.Error("Connect after Close should fail")
	}
}

func TestClose(t *testing.T) {
	a, gw := connected(t)
	a.Listen(context.Background())
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !gw.closed || gw.removed != 3 {
		t.Errorf("closed = %v, removed = %d handlers, want 3", gw.closed, gw.removed)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	// Late gateway events must not panic on the closed stream.
	a.deliver(message("9", "C1", "U1", "late"))
}

func TestClose_ReleasesBlockedDelivery(t *testing.T) {
	a, _ := connected(t)
	a.Listen(context.Background())
	for i := range inboundBuffer {
		a.deliver(message(fmt.Sprint(i), "C1", "U1", "fill"))
	}

	done := make(chan struct{})
	go func() {
		a.deliver(message("overflow", "C1", "U1", "one too many"))
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	a.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery still blocked after Close")
	}
}

// --- inbound ---

func TestListen_RequiresConnect(t *testing.T) {
	a, _ := New(AdapterOpts{Gateway: newFakeGateway()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error before Connect")
	}
}

func TestDeliver(t *testing.T) {
	a, _ := connected(t)
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	m := message("123456789012345678", "C1", "U_MAYA", "!hub post spring sale")
	m.Attachments = []*discordgo.MessageAttachment{
		nil,
		{URL: "https://cdn.example/sale.png", Filename: "sale.png", ContentType: "image/png"},
	}
	a.deliver(m)

	msg := next(t, ch)
	if msg.Platform != "discord" || msg.ChannelID != "C1" || msg.ThreadID != "" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.UserID != "U_MAYA" || msg.UserName != "u_maya" || msg.Text != "!hub post spring sale" {
		t.Errorf("msg = %+v", msg)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Name != "sale.png" || msg.Attachments[0].ContentType != "image/png" {
		t.Errorf("attachments = %+v", msg.Attachments)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp should fall back to the snowflake")
	}

	sent := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m = message("1", "C1", "U_MAYA", "x")
	m.Timestamp = sent
	a.deliver(m)
	if got := next(t, ch).Timestamp; !got.Equal(sent) {
		t.Errorf("timestamp = %v, want %v", got, sent)
	}
}

func TestDeliver_SkipsSelfBotsAndSystem(t *testing.T) {
	a, _ := connected(t)
	ch, _ := a.Listen(context.Background())

	a.deliver(message("1", "C1", "BOT", "own reply"))
	other := message("2", "C1", "B2", "other bot")
	other.Author.Bot = true
	a.deliver(other)
	a.deliver(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "3", ChannelID: "C1", Content: "pinned"}})

	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %+v", msg)
	default:
	}
}

func TestDeliver_ThreadResolvesParent(t *testing.T) {
	a, gw := connected(t)
	gw.channels["T9"] = &discordgo.Channel{ID: "T9", Type: discordgo.ChannelTypeGuildPublicThread, ParentID: "C1"}
	gw.channels["C1"] = &discordgo.Channel{ID: "C1", Type: discordgo.ChannelTypeGuildText}
	ch, _ := a.Listen(context.Background())

	a.deliver(message("1", "T9", "U1", "approve"))
	if msg := next(t, ch); msg.ChannelID != "C1" || msg.ThreadID != "T9" {
		t.Errorf("thread message = %q/%q, want C1/T9", msg.ChannelID, msg.ThreadID)
	}
	a.deliver(message("2", "C1", "U1", "!hub list"))
	if msg := next(t, ch); msg.ChannelID != "C1" || msg.ThreadID != "" {
		t.Errorf("channel message = %q/%q, want C1/", msg.ChannelID, msg.ThreadID)
	}
}

// --- outbound ---

func TestSend_Targets(t *testing.T) {
	a, gw := connected(t)
	ctx := context.Background()

	cases := []struct {
		msg  chat.OutboundMessage
		want string
	}{
		{chat.OutboundMessage{ChannelID: "C1", ThreadID: "T1", Text: "x"}, "T1"},
		{chat.OutboundMessage{ChannelID: "C1", Text: "x"}, "C1"},
		{chat.OutboundMessage{Text: "x"}, "C_HUB"},
	}
	for _, tc := range cases {
		if err := a.Send(ctx, tc.msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if got := gw.last(t).target; got != tc.want {
			t.Errorf("sent to %q, want %q", got, tc.want)
		}
	}
	if gw.last(t).data.Content != "x" {
		t.Error("text not sent as content")
	}
}

func TestSend_Errors(t *testing.T) {
	idle, _ := New(AdapterOpts{Gateway: newFakeGateway()})
	if err := idle.Send(context.Background(), chat.OutboundMessage{ChannelID: "C1"}); err == nil {
		t.Error("expected error before Connect")
	}
	idle.Connect(context.Background())
	if err := idle.Send(context.Background(), chat.OutboundMessage{Text: "x"}); err == nil || !strings.Contains(err.Error(), "no channel") {
		t.Errorf("err = %v, want no channel", err)
	}

	a, gw := connected(t)
	if err := a.Send(context.Background(), chat.OutboundMessage{ChannelID: "C1", ImagePath: "/missing/x.png"}); err == nil || !strings.Contains(err.Error(), "read image") {
		t.Errorf("err = %v, want read image", err)
	}
	if len(gw.sent) != 0 {
		t.Error("nothing should be sent when the image is unreadable")
	}
	gw.sendErr = errors.New("HTTP 403 Forbidden")
	if err := a.Send(context.Background(), chat.OutboundMessage{ChannelID: "C1", Text: "x"}); err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("err = %v", err)
	}
}

func TestSend_UploadsDraftImage(t *testing.T) {
	a, gw := connected(t)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	path := filepath.Join(t.TempDir(), "draft.png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		t.Fatal(err)
	}

	err := a.Send(context.Background(), chat.OutboundMessage{
		ThreadID:  "T1",
		Events:    []chat.FormattedEvent{{Title: "Draft"}},
		ImagePath: path,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := gw.last(t)
	if len(sent.data.Files) != 1 {
		t.Fatalf("files = %d, want 1", len(sent.data.Files))
	}
	if f := sent.data.Files[0]; f.Name != "draft.png" || f.ContentType != "image/png" {
		t.Errorf("file = %s (%s)", f.Name, f.ContentType)
	}
	if string(sent.files[0]) != string(png) {
		t.Error("uploaded bytes differ from the stored image")
	}
	if img := sent.data.Embeds[0].Image; img == nil || img.URL != "attachment://draft.png" {
		t.Errorf("embed image = %+v", img)
	}
}

// --- rendering ---

func TestComposeMessage(t *testing.T) {
	plain := composeMessage(chat.OutboundMessage{Text: "hello"}, nil)
	if plain.Content != "hello" || len(plain.Embeds) != 0 || len(plain.Files) != 0 {
		t.Errorf("text only = %+v", plain)
	}

	withEvent := composeMessage(chat.OutboundMessage{
		Events:   []chat.FormattedEvent{{Title: "Draft"}, {Title: "Captions"}},
		ImageURL: "https://hub.example/media/a.png",
	}, nil)
	if len(withEvent.Embeds) != 2 || withEvent.Embeds[0].Image.URL != "https://hub.example/media/a.png" || withEvent.Embeds[1].Image != nil {
		t.Errorf("embeds = %+v", withEvent.Embeds)
	}

	lone := composeMessage(chat.OutboundMessage{ImageURL: "https://hub.example/media/b.png"}, nil)
	if len(lone.Embeds) != 1 || lone.Embeds[0].Image.URL != "https://hub.example/media/b.png" {
		t.Errorf("image only = %+v", lone.Embeds)
	}

	fileOnly := composeMessage(chat.OutboundMessage{ImagePath: "/d/x.jpg", ImageURL: "https://hub.example/x.jpg"}, []byte("jpg"))
	if len(fileOnly.Files) != 1 || len(fileOnly.Embeds) != 0 {
		t.Errorf("stored image without events = %+v", fileOnly)
	}
}

func TestEmbed(t *testing.T) {
	em := embed(chat.FormattedEvent{
		Title:  "Post published",
		Body:   "Spring sale",
		Color:  chat.ColorSuccess,
		Fields: []chat.Field{{Name: "Twitter", Value: "posted", Short: true}},
	})
	if em.Title != "Post published" || em.Description != "Spring sale" || em.Color != 0x36a64f {
		t.Errorf("embed = %+v", em)
	}
	if len(em.Fields) != 1 || em.Fields[0].Name != "Twitter" || !em.Fields[0].Inline {
		t.Errorf("fields = %+v", em.Fields)
	}
}

func TestHexColor(t *testing.T) {
	for in, want := range map[string]int{
		"#36a64f":  0x36a64f,
		"E53935":   0xe53935,
		"":         0,
		"#zzz":     0,
		"#1234567": 0,
	} {
		if got := hexColor(in); got != want {
			t.Errorf("hexColor(%q) = %x, want %x", in, got, want)
		}
	}
}

// --- retries ---

func restLimited() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

func bucketLimited(after time.Duration) error {
	return &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
		TooManyRequests: &discordgo.TooManyRequests{RetryAfter: after},
		URL:             "channels/C1/messages",
	}}
}

func TestWithRateLimitRetry(t *testing.T) {
	a, _ := connected(t)
	a.retryBase = time.Millisecond
	ctx := context.Background()

	calls := 0
	err := a.withRateLimitRetry(ctx, func() error {
		calls++
		switch calls {
		case 1:
			return restLimited()
		case 2:
			return bucketLimited(time.Millisecond)
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("recovers: err = %v, calls = %d", err, calls)
	}

	calls = 0
	err = a.withRateLimitRetry(ctx, func() error { calls++; return restLimited() })
	if err == nil || calls != rateLimitRetries+1 {
		t.Errorf("exhausts: err = %v, calls = %d", err, calls)
	}

	calls = 0
	a.withRateLimitRetry(ctx, func() error { calls++; return errors.New("HTTP 404 Not Found") })
	if calls != 1 {
		t.Errorf("other errors: calls = %d, want 1", calls)
	}
}

func TestWithRateLimitRetry_HonorsRetryAfterAndContext(t *testing.T) {
	a, _ := connected(t)
	a.retryBase = time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := a.withRateLimitRetry(ctx, func() error { return bucketLimited(time.Minute) })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("retry ignored the context")
	}
}
