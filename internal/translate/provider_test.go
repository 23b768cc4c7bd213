package translate

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/errors"
	"google.golang.org/api/googleapi"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want errors.ErrorCode
	}{
		{name: "canceled", err: context.Canceled, want: errors.ErrorAborted},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: errors.ErrorTransientNetwork},
		{name: "tagged", err: errors.NewAuthFailedError("x", nil), want: errors.ErrorAuthFailed},
		{name: "quota text", err: stderrors.New("429 Too Many Requests"), want: errors.ErrorQuotaExceeded},
		{name: "auth text", err: stderrors.New("API key not valid. Please pass a valid API key."), want: errors.ErrorAuthFailed},
		{name: "network text", err: stderrors.New("read: connection reset by peer"), want: errors.ErrorTransientNetwork},
		{name: "other", err: stderrors.New("candidate was empty"), want: errors.ErrorMalformedResponse},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.err); got != tc.want {
				t.Errorf("classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testCases := []struct {
		value string
		want  time.Duration
	}{
		{value: "", want: 0},
		{value: "30", want: 30 * time.Second},
		{value: "-3", want: 0},
		{value: "soon", want: 0},
		{value: now.Add(10 * time.Second).Format(http.TimeFormat), want: 10 * time.Second},
		{value: now.Add(-10 * time.Second).Format(http.TimeFormat), want: 0},
	}
	for _, tc := range testCases {
		if got := parseRetryAfter(tc.value, now); got != tc.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestClassifyGeminiError(t *testing.T) {
	now := time.Now()
	testCases := []struct {
		name       string
		err        error
		want       errors.ErrorCode
		retryAfter time.Duration
	}{
		{
			name:       "resource exhausted",
			err:        &googleapi.Error{Code: 429, Message: "Resource has been exhausted", Header: http.Header{"Retry-After": []string{"7"}}},
			want:       errors.ErrorQuotaExceeded,
			retryAfter: 7 * time.Second,
		},
		{
			name: "bad key",
			err:  &googleapi.Error{Code: 400, Message: "API key not valid. Please pass a valid API key."},
			want: errors.ErrorAuthFailed,
		},
		{
			name: "forbidden",
			err:  &googleapi.Error{Code: 403, Message: "Permission denied"},
			want: errors.ErrorAuthFailed,
		},
		{
			name: "unavailable",
			err:  &googleapi.Error{Code: 503, Message: "The model is overloaded"},
			want: errors.ErrorTransientNetwork,
		},
		{
			name: "untyped quota",
			err:  stderrors.New("rpc error: quota exceeded for metric"),
			want: errors.ErrorQuotaExceeded,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ClassifyGeminiError(tc.err, now)
			if got := errors.CodeOf(err); got != tc.want {
				t.Errorf("code = %s, want %s", got, tc.want)
			}
			if got := errors.RetryAfterOf(err); got != tc.retryAfter {
				t.Errorf("retry after = %v, want %v", got, tc.retryAfter)
			}
		})
	}

	if err := ClassifyGeminiError(context.Canceled, now); err != context.Canceled {
		t.Errorf("context errors must pass through, got %v", err)
	}
}

func TestResolveGeminiModel(t *testing.T) {
	testCases := []struct {
		setting, configured, want string
	}{
		{"gemini", "", "gemini-2.5-flash"},
		{"gemini", "Gemini-2.0-Flash", "gemini-2.0-flash"},
		{"gemini-pro", "gemini-2.0-flash", "gemini-1.5-pro"},
		{"gemini-2", "", "gemini-2.0-flash-exp"},
		{"gemini-2.0-flash-lite", "gemini-2.5-flash", "gemini-2.0-flash-lite"},
	}
	for _, tc := range testCases {
		if got := ResolveGeminiModel(tc.setting, tc.configured); got != tc.want {
			t.Errorf("ResolveGeminiModel(%q, %q) = %q, want %q", tc.setting, tc.configured, got, tc.want)
		}
	}

	p := NewGeminiProvider("gemini", "gemini-2.0-flash", false)
	if p.Model() != "gemini-2.0-flash" || p.RPM() != 12 {
		t.Errorf("provider model=%q rpm=%d", p.Model(), p.RPM())
	}
}

func TestOpenAIProvider(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer good":
		case "Bearer busy":
			w.Header().Set("Retry-After", "12")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"Rate limit reached"}}`))
			return
		case "Bearer broke":
			w.Write([]byte(`{"error":{"message":"You exceeded your current quota","type":"insufficient_quota"}}`))
			return
		default:
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"Incorrect API key provided"}}`))
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":" Bonjour\n<sb>\nMonde "}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "", 0)
	ctx := context.Background()

	out, err := p.TranslateBatch(ctx, "Hello"+Delimiter+"World", "fr", "good")
	if err != nil {
		t.Fatalf("TranslateBatch: %v", err)
	}
	if got := SplitTranslated(out); !reflect.DeepEqual(got, []string{"Bonjour", "Monde"}) {
		t.Errorf("unexpected output %q", out)
	}
	if gotReq.Model != "gpt-4o-mini" || len(gotReq.Messages) != 2 || !strings.Contains(gotReq.Messages[0].Content, "French") {
		t.Errorf("unexpected request %+v", gotReq)
	}

	testCases := []struct {
		key        string
		want       errors.ErrorCode
		retryAfter time.Duration
	}{
		{key: "busy", want: errors.ErrorQuotaExceeded, retryAfter: 12 * time.Second},
		{key: "broke", want: errors.ErrorQuotaExceeded},
		{key: "wrong", want: errors.ErrorAuthFailed},
		{key: "", want: errors.ErrorAuthFailed},
	}
	for _, tc := range testCases {
		t.Run("key "+tc.key, func(t *testing.T) {
			_, err := p.TranslateBatch(ctx, "Hello", "fr", tc.key)
			if got := errors.CodeOf(err); got != tc.want {
				t.Errorf("code = %s, want %s (%v)", got, tc.want, err)
			}
			if got := errors.RetryAfterOf(err); got != tc.retryAfter {
				t.Errorf("retry after = %v, want %v", got, tc.retryAfter)
			}
		})
	}
}

func TestDeepLProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "DeepL-Auth-Key secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Form.Get("target_lang") != "EN" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := deeplResponse{}
		for _, text := range r.Form["text"] {
			resp.Translations = append(resp.Translations, struct {
				DetectedSourceLanguage string `json:"detected_source_language"`
				Text                   string `json:"text"`
			}{DetectedSourceLanguage: "ZH", Text: "<" + text + ">"})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewDeepLProvider(srv.URL, 0)
	out, err := p.TranslateBatch(context.Background(), "你好"+Delimiter+"世界", "en", "secret")
	if err != nil {
		t.Fatalf("TranslateBatch: %v", err)
	}
	if got := SplitTranslated(out); !reflect.DeepEqual(got, []string{"<你好>", "<世界>"}) {
		t.Errorf("unexpected output %q", out)
	}

	_, err = p.TranslateBatch(context.Background(), "x", "en", "other")
	if errors.CodeOf(err) != errors.ErrorAuthFailed {
		t.Errorf("403 should be auth failure, got %v", err)
	}
}

func TestBatcherFailsOverAcrossHTTPKeys(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		calls = append(calls, key)
		if key == "first" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"quota"}}`))
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"Hola\n<sb>\nMundo"}}]}`))
	}))
	defer srv.Close()

	b, err := NewBatcher(BatcherConfig{
		Provider: NewOpenAIProvider(srv.URL, "test-model", 0),
		Keys:     []string{"first", "second"},
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}

	got, err := b.TranslateAll(context.Background(), []string{"Hello", "World"}, "es")
	if err != nil {
		t.Fatalf("TranslateAll: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"Hola", "Mundo"}) {
		t.Errorf("got %q", got)
	}
	if !reflect.DeepEqual(calls, []string{"first", "second"}) {
		t.Errorf("calls = %v", calls)
	}
}
