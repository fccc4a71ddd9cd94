// Package speech drives asynchronous file recognition with summarization on
// the SpeechKit v3 REST API.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/bytedance/sonic"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultLanguage    = "ru-RU"
	component          = "speech"
)

// NotesInstruction asks the summarization model for structured lecture notes
// returned as a JSON object.
const NotesInstruction = `У тебя есть текст транскрипта лекции.
Сделай по нему подробный конспект, соблюдая следующие правила:
1. Конспект должен быть структурирован: разделы, подпункты.
2. Выделяй ключевые идеи, важные факты и определения.
3. Если есть примеры или пояснения, укажи их кратко в скобках`

// Config captures the API location and credentials.
type Config struct {
	BaseURL  string
	APIKey   string
	FolderID string
	// Language restricts recognition. Defaults to ru-RU.
	Language string
}

// Client starts and polls recognition operations.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.FolderID = strings.TrimSpace(cfg.FolderID)
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = defaultLanguage
	}
	c := &Client{cfg: cfg, httpClient: &http.Client{Timeout: defaultHTTPTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result is a finished recognition.
type Result struct {
	// Summary is the JSON object produced by the summarization model.
	Summary []byte
}

type recognizeRequest struct {
	URI              string           `json:"uri"`
	RecognitionModel recognitionModel `json:"recognitionModel"`
	Summarization    summarization    `json:"summarization"`
}

type recognitionModel struct {
	Model               string              `json:"model"`
	AudioFormat         audioFormat         `json:"audioFormat"`
	TextNormalization   textNormalization   `json:"textNormalization"`
	LanguageRestriction languageRestriction `json:"languageRestriction"`
}

type audioFormat struct {
	ContainerAudio struct {
		ContainerAudioType string `json:"containerAudioType"`
	} `json:"containerAudio"`
}

type textNormalization struct {
	TextNormalization   string `json:"textNormalization"`
	ProfanityFilter     bool   `json:"profanityFilter"`
	LiteratureText      bool   `json:"literatureText"`
	PhoneFormattingMode string `json:"phoneFormattingMode"`
}

type languageRestriction struct {
	RestrictionType string   `json:"restrictionType"`
	LanguageCode    []string `json:"languageCode"`
}

type summarization struct {
	ModelURI   string                  `json:"modelUri"`
	Properties []summarizationProperty `json:"properties"`
}

type summarizationProperty struct {
	Instruction string `json:"instruction"`
	JSONObject  bool   `json:"jsonObject"`
}

type operationResponse struct {
	ID string `json:"id"`
}

type recognitionLine struct {
	Result struct {
		Summarization *struct {
			Results []struct {
				Response string `json:"response"`
			} `json:"results"`
		} `json:"summarization"`
	} `json:"result"`
}

func (c *Client) newRecognizeRequest(objectURI string) recognizeRequest {
	req := recognizeRequest{
		URI: objectURI,
		RecognitionModel: recognitionModel{
			Model: "general",
			TextNormalization: textNormalization{
				TextNormalization:   "TEXT_NORMALIZATION_ENABLED",
				ProfanityFilter:     false,
				LiteratureText:      true,
				PhoneFormattingMode: "PHONE_FORMATTING_MODE_DISABLED",
			},
			LanguageRestriction: languageRestriction{
				RestrictionType: "WHITELIST",
				LanguageCode:    []string{c.cfg.Language},
			},
		},
		Summarization: summarization{
			ModelURI: fmt.Sprintf("gpt://%s/yandexgpt/rc", c.cfg.FolderID),
			Properties: []summarizationProperty{
				{Instruction: NotesInstruction, JSONObject: true},
			},
		},
	}
	req.RecognitionModel.AudioFormat.ContainerAudio.ContainerAudioType = "MP3"
	return req
}

// Start submits objectURI for recognition and returns the operation id.
func (c *Client) Start(ctx context.Context, objectURI string) (string, error) {
	body, err := sonic.Marshal(c.newRecognizeRequest(objectURI))
	if err != nil {
		return "", apperr.Wrap(apperr.ErrExternalService, component, "start", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/stt/v3/recognizeFileAsync", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.ErrExternalService, component, "start", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrExternalService, component, "start", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrExternalService, component, "start", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperr.Wrap(apperr.ErrExternalService, component, "start", &StatusError{StatusCode: resp.StatusCode, Body: snippet(data)})
	}
	var op operationResponse
	if err := sonic.Unmarshal(data, &op); err != nil {
		return "", apperr.Wrap(apperr.ErrExternalService, component, "start", fmt.Errorf("decode body: %w", err))
	}
	if op.ID == "" {
		return "", apperr.Wrap(apperr.ErrExternalService, component, "start", fmt.Errorf("empty operation id"))
	}
	return op.ID, nil
}

// Poll fetches the state of operationID. An operation that has not produced
// output yet yields apperr.ErrNotReady.
func (c *Client) Poll(ctx context.Context, operationID string) (Result, error) {
	endpoint := c.cfg.BaseURL + "/stt/v3/getRecognition?operationId=" + url.QueryEscape(operationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.ErrExternalService, component, "poll", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.ErrExternalService, component, "poll", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.ErrExternalService, component, "poll", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{}, apperr.ErrNotReady
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Result{}, apperr.Wrap(apperr.ErrExternalService, component, "poll", &StatusError{StatusCode: resp.StatusCode, Body: snippet(data)})
	}

	line := lastLine(data)
	if line == nil {
		return Result{}, apperr.ErrNotReady
	}
	summary, err := parseSummary(line)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.ErrExternalService, component, "poll", err)
	}
	return Result{Summary: summary}, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Api-key "+c.cfg.APIKey)
	req.Header.Set("x-folder-id", c.cfg.FolderID)
}

// lastLine returns the last non-blank line of an NDJSON stream, or nil.
func lastLine(data []byte) []byte {
	data = bytes.TrimRight(data, " \t\r\n")
	if len(data) == 0 {
		return nil
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[i+1:]
	}
	return bytes.TrimSpace(data)
}

func parseSummary(line []byte) ([]byte, error) {
	var rec recognitionLine
	if err := sonic.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	s := rec.Result.Summarization
	if s == nil || len(s.Results) == 0 {
		return nil, fmt.Errorf("result has no summarization")
	}
	resp := strings.TrimSpace(s.Results[0].Response)
	if resp == "" {
		return nil, fmt.Errorf("empty summarization response")
	}
	return []byte(resp), nil
}

// StatusError is a non-2xx response other than 404.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
