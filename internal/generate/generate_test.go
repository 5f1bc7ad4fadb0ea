package generate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/openai/openai-go/v3/option"
	"github.com/zulandar/socialhub/internal/models"
)

// --- Fakes ---

type fakeOpenAI struct {
	mu          sync.Mutex
	chatReplies []string
	chatBodies  []map[string]any
	imageStatus int
	imagePrompt string
	srv         *httptest.Server
}

func newFakeOpenAI(t *testing.T, replies ...string) *fakeOpenAI {
	t.Helper()
	f := &fakeOpenAI{chatReplies: replies, imageStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.chatBodies = append(f.chatBodies, body)
		reply := ""
		if len(f.chatReplies) > 0 {
			reply, f.chatReplies = f.chatReplies[0], f.chatReplies[1:]
		}
		f.mu.Unlock()
		content, _ := json.Marshal(reply)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",`+
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":`+string(content)+`}}],`+
			`"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`)
	})
	mux.HandleFunc("POST /images/generations", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.imagePrompt, _ = body["prompt"].(string)
		status := f.imageStatus
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			io.WriteString(w, `{"error":{"message":"content policy violation","type":"invalid_request_error"}}`)
			return
		}
		img := base64.StdEncoding.EncodeToString([]byte("PNGBYTES"))
		io.WriteString(w, `{"created":1,"data":[{"b64_json":"`+img+`"}]}`)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

type fakeImages struct {
	mu    sync.Mutex
	saved [][]byte
	err   error
}

func (f *fakeImages) SaveBytes(data []byte, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, data)
	return "/media/generated.jpg", nil
}

func newTestGenerator(t *testing.T, f *fakeOpenAI, images ImageStore) *Generator {
	t.Helper()
	g, err := New(Opts{
		APIKey:         "sk-test",
		BaseURL:        f.srv.URL + "/",
		Images:         images,
		RequestOptions: []option.RequestOption{option.WithMaxRetries(0)},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

const draftReply = `{"facebook":"FB post","instagram":"IG post #sun","twitter":"Tweet!","reddit":"Reddit post","image_prompt":"a sunny beach"}`

// --- Tests ---

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("expected error for missing api key")
	}
}

func TestGenerate_CaptionsAndImage(t *testing.T) {
	f := newFakeOpenAI(t, draftReply)
	images := &fakeImages{}
	g := newTestGenerator(t, f, images)

	draft, err := g.Generate(context.Background(), Request{Topic: "summer sale", Tone: "Funny", GenerateImage: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if draft.Tone != "funny" || draft.ImageStyle != DefaultImageStyle {
		t.Errorf("tone/style = %q/%q", draft.Tone, draft.ImageStyle)
	}
	if len(draft.Captions) != 4 || draft.Captions[models.Twitter] != "Tweet!" {
		t.Errorf("captions = %v", draft.Captions)
	}
	if draft.ImagePath != "/media/generated.jpg" || draft.ImageError != "" {
		t.Errorf("image = %q (%q)", draft.ImagePath, draft.ImageError)
	}
	if len(images.saved) != 1 || string(images.saved[0]) != "PNGBYTES" {
		t.Errorf("saved = %v", images.saved)
	}
	if !strings.HasPrefix(f.imagePrompt, "a sunny beach") {
		t.Errorf("image prompt = %q", f.imagePrompt)
	}

	body := f.chatBodies[0]
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_schema" {
		t.Errorf("response_format = %v", body["response_format"])
	}
}

func TestGenerate_SubsetOfPlatforms(t *testing.T) {
	f := newFakeOpenAI(t, "Here you go:\n```json\n"+`{"twitter":"only tweet","image_prompt":"x"}`+"\n```")
	g := newTestGenerator(t, f, nil)

	draft, err := g.Generate(context.Background(), Request{Topic: "t", Platforms: []models.Platform{models.Twitter}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(draft.Captions) != 1 || draft.Captions[models.Twitter] != "only tweet" {
		t.Errorf("captions = %v", draft.Captions)
	}
	if draft.ImagePath != "" {
		t.Error("no image was requested")
	}
}

func TestGenerate_ImageFailureKeepsCaptions(t *testing.T) {
	f := newFakeOpenAI(t, draftReply)
	f.imageStatus = http.StatusBadRequest
	g := newTestGenerator(t, f, &fakeImages{})

	draft, err := g.Generate(context.Background(), Request{Topic: "t", GenerateImage: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if draft.ImagePath != "" || draft.ImageError == "" {
		t.Errorf("image = %q, error = %q", draft.ImagePath, draft.ImageError)
	}
	if len(draft.Captions) != 4 {
		t.Errorf("captions = %v", draft.Captions)
	}
}

func TestGenerate_Errors(t *testing.T) {
	g := newTestGenerator(t, newFakeOpenAI(t), nil)
	if _, err := g.Generate(context.Background(), Request{Topic: "  "}); err == nil {
		t.Error("expected error for empty topic")
	}

	g = newTestGenerator(t, newFakeOpenAI(t, "not json at all"), nil)
	if _, err := g.Generate(context.Background(), Request{Topic: "t"}); err == nil {
		t.Error("expected parse error")
	}

	g = newTestGenerator(t, newFakeOpenAI(t, `{"facebook":"","image_prompt":""}`), nil)
	if _, err := g.Generate(context.Background(), Request{Topic: "t"}); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestRefine(t *testing.T) {
	f := newFakeOpenAI(t, `"Shorter post"`)
	g := newTestGenerator(t, f, nil)

	out, err := g.Refine(context.Background(), models.Instagram, "Long post", "make it shorter")
	if err != nil {
		t.Fatalf("Refine: %v", err)
	}
	if out != "Shorter post" {
		t.Errorf("out = %q", out)
	}
	if _, ok := f.chatBodies[0]["response_format"]; ok {
		t.Error("free-text completions must not request JSON")
	}
	if _, err := g.Refine(context.Background(), models.Instagram, "x", ""); err == nil {
		t.Error("expected error for empty instructions")
	}
}

func TestRegenerate_MentionsPrevious(t *testing.T) {
	f := newFakeOpenAI(t, "Post: fresh take")
	g := newTestGenerator(t, f, nil)

	out, err := g.Regenerate(context.Background(), "coffee", models.Reddit, "", "old version")
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if out != "fresh take" {
		t.Errorf("out = %q", out)
	}
	msgs, _ := f.chatBodies[0]["messages"].([]any)
	last, _ := msgs[len(msgs)-1].(map[string]any)
	if content, _ := last["content"].(string); !strings.Contains(content, "old version") {
		t.Errorf("prompt should reference previous version: %q", content)
	}
}

func TestImage_RequiresStore(t *testing.T) {
	g := newTestGenerator(t, newFakeOpenAI(t), nil)
	if _, err := g.Image(context.Background(), "p", "", ""); err == nil {
		t.Error("expected error without image store")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"no braces", "no braces"},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTonesAndStyles(t *testing.T) {
	if len(Tones()) != len(toneGuides) || Tones()[0] != "casual" {
		t.Errorf("Tones() = %v", Tones())
	}
	if len(Styles()) != len(styleGuides) {
		t.Errorf("Styles() = %v", Styles())
	}
}
