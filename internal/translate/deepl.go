package translate

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/errors"
)

// DeepLProvider translates through the DeepL v2 API. DeepL takes a list of
// texts natively, so the chunk is split on the delimiter and re-joined.
type DeepLProvider struct {
	baseURL string
	rpm     int
	client  *http.Client
}

// NewDeepLProvider creates a provider. rpm <= 0 disables pacing.
func NewDeepLProvider(baseURL string, rpm int) *DeepLProvider {
	if baseURL == "" {
		baseURL = "https://api-free.deepl.com"
	}
	return &DeepLProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		rpm:     rpm,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (d *DeepLProvider) Name() string { return "deepl" }
func (d *DeepLProvider) RPM() int     { return d.rpm }

type deeplResponse struct {
	Translations []struct {
		DetectedSourceLanguage string `json:"detected_source_language"`
		Text                   string `json:"text"`
	} `json:"translations"`
}

// TranslateBatch sends every segment of the chunk in one request
func (d *DeepLProvider) TranslateBatch(ctx context.Context, text, targetLang, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.NewAuthFailedError(d.Name(), stderrors.New("DeepL API key missing"))
	}

	segments := SplitTranslated(text)
	form := url.Values{}
	for _, s := range segments {
		form.Add("text", s)
	}
	form.Set("target_lang", strings.ToUpper(targetLang))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v2/translate", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "DeepL-Auth-Key "+key)

	raw, err := doProviderRequest(d.client, req, d.Name())
	if err != nil {
		return "", err
	}

	var parsed deeplResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errors.NewMalformedResponseError(d.Name(), "bad JSON: "+err.Error())
	}
	if len(parsed.Translations) == 0 {
		return "", errors.NewMalformedResponseError(d.Name(), "no translations")
	}

	out := make([]string, len(parsed.Translations))
	for i, tr := range parsed.Translations {
		out[i] = tr.Text
	}
	return strings.Join(out, Delimiter), nil
}
