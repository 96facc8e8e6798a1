// Package cascade provides a speech backend assembled from self-hosted
// services: a whisper.cpp server for transcription, any LLM reachable through
// any-llm-go for replies, and a Coqui XTTS server for synthesis.
//
// Both HTTP services operate in batch mode (one request per utterance), so
// Transcribe and Synthesize each make a single call; Synthesize re-chunks the
// returned audio into gateway frames so the engine can stream it out and
// barge-in can cut it short.
package cascade

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/talkwire/talkwire/pkg/audio"
	"github.com/talkwire/talkwire/pkg/bridge"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	inferenceEndpoint = "/inference"
	ttsEndpoint       = "/tts_to_audio/"

	defaultSystemPrompt = "You are a helpful voice assistant. Keep replies short and conversational; they will be spoken aloud."
)

// Compile-time assertion that Bridge implements bridge.Bridge.
var _ bridge.Bridge = (*Bridge)(nil)

// Config wires the three stages together.
type Config struct {
	// STTURL is the whisper.cpp server base URL (e.g., "http://localhost:9000").
	STTURL string

	// STTModel is forwarded to the whisper server; empty uses whichever
	// model the server was started with.
	STTModel string

	// LLMProvider selects the any-llm-go backend: "openai", "anthropic", or
	// "ollama". Other providers can be injected via [WithLLM].
	LLMProvider string

	// LLMModel is the reply-generation model (e.g., "gpt-4o-mini",
	// "llama3.1").
	LLMModel string

	// LLMAPIKey authenticates the LLM backend when it needs a key.
	LLMAPIKey string

	// TTSURL is the Coqui XTTS server base URL (e.g., "http://localhost:8002").
	TTSURL string

	// Voice is the speaker passed to the TTS server.
	Voice string

	// Language is the BCP-47 code sent to both audio services. Defaults to "en".
	Language string
}

// Option is a functional option for Bridge.
type Option func(*Bridge)

// WithTimeout sets the per-request HTTP timeout for both audio services.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.httpClient.Timeout = d
	}
}

// WithSystemPrompt overrides the default assistant persona.
func WithSystemPrompt(prompt string) Option {
	return func(b *Bridge) {
		b.systemPrompt = prompt
	}
}

// WithLLM injects a pre-built any-llm-go provider, bypassing the
// Config.LLMProvider lookup. Useful for backends outside the built-in set and
// for tests.
func WithLLM(p anyllmlib.Provider) Option {
	return func(b *Bridge) {
		b.llm = p
	}
}

// Bridge implements bridge.Bridge across three self-hosted services.
type Bridge struct {
	cfg          Config
	llm          anyllmlib.Provider
	httpClient   *http.Client
	systemPrompt string
}

// New constructs a cascade bridge from cfg.
func New(cfg Config, opts ...Option) (*Bridge, error) {
	if cfg.STTURL == "" {
		return nil, errors.New("cascade: STTURL must not be empty")
	}
	if cfg.TTSURL == "" {
		return nil, errors.New("cascade: TTSURL must not be empty")
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}

	b := &Bridge{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		systemPrompt: defaultSystemPrompt,
	}
	for _, o := range opts {
		o(b)
	}

	if b.llm == nil {
		if cfg.LLMModel == "" {
			return nil, errors.New("cascade: LLMModel must not be empty")
		}
		llm, err := buildLLM(cfg)
		if err != nil {
			return nil, fmt.Errorf("cascade: create %q backend: %w", cfg.LLMProvider, err)
		}
		b.llm = llm
	}
	return b, nil
}

// buildLLM creates the any-llm-go provider for the configured backend name.
func buildLLM(cfg Config) (anyllmlib.Provider, error) {
	var opts []anyllmlib.Option
	if cfg.LLMAPIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.LLMAPIKey))
	}
	switch cfg.LLMProvider {
	case "openai", "":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, ollama", cfg.LLMProvider)
	}
}

// Transcribe implements bridge.Bridge. It encodes the utterance as WAV and
// POSTs it to the whisper server's /inference endpoint as multipart form
// data.
func (b *Bridge) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	wav := audio.EncodeWAV(pcm)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("cascade: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("cascade: write wav data: %w", err)
	}
	if b.cfg.Language != "" {
		if err := mw.WriteField("language", b.cfg.Language); err != nil {
			return "", fmt.Errorf("cascade: write language field: %w", err)
		}
	}
	if b.cfg.STTModel != "" {
		if err := mw.WriteField("model", b.cfg.STTModel); err != nil {
			return "", fmt.Errorf("cascade: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("cascade: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.STTURL+inferenceEndpoint, &body)
	if err != nil {
		return "", fmt.Errorf("cascade: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", classify(fmt.Errorf("cascade: transcribe request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: cascade: whisper server returned HTTP %d", bridge.ErrUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("cascade: read transcribe response: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("cascade: parse transcribe response: %w", err)
	}
	return result.Text, nil
}

// Respond implements bridge.Bridge through any-llm-go.
func (b *Bridge) Respond(ctx context.Context, history []bridge.Utterance, userText string) (string, error) {
	messages := make([]anyllmlib.Message, 0, len(history)+2)
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleSystem,
		Content: b.systemPrompt,
	})
	for _, u := range history {
		role := anyllmlib.RoleUser
		if u.Role == bridge.RoleAssistant {
			role = anyllmlib.RoleAssistant
		}
		messages = append(messages, anyllmlib.Message{Role: role, Content: u.Text})
	}
	if len(history) == 0 || history[len(history)-1].Text != userText {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleUser, Content: userText})
	}

	resp, err := b.llm.Completion(ctx, anyllmlib.CompletionParams{
		Model:    b.cfg.LLMModel,
		Messages: messages,
	})
	if err != nil {
		return "", classify(fmt.Errorf("cascade: completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("cascade: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}

// ttsRequest is the JSON body of the XTTS /tts_to_audio/ endpoint.
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav,omitempty"`
	Language   string `json:"language"`
}

// Synthesize implements bridge.Bridge. The XTTS server synthesizes the whole
// reply in one call; the returned WAV is stripped, resampled to the gateway
// rate if needed, and re-chunked into frames on the stream.
func (b *Bridge) Synthesize(ctx context.Context, text string) (*bridge.Stream, error) {
	body := ttsRequest{
		Text:       text,
		SpeakerWav: b.cfg.Voice,
		Language:   b.cfg.Language,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("cascade: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.TTSURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cascade: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, classify(fmt.Errorf("cascade: synthesize request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: cascade: tts server returned HTTP %d", bridge.ErrUnavailable, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cascade: read tts response: %w", err)
	}
	info, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("cascade: %w", err)
	}
	pcm := wav[info.DataOffset:]
	if info.SampleRate != audio.SampleRate && info.Channels == 1 {
		pcm = audio.Resample(pcm, info.SampleRate, audio.SampleRate)
	}

	ch := make(chan []byte, 8)
	stream := bridge.NewStream(ch)
	go func() {
		defer close(ch)
		for off := 0; off < len(pcm); off += audio.FrameBytes {
			end := min(off+audio.FrameBytes, len(pcm))
			select {
			case ch <- pcm[off:end]:
			case <-ctx.Done():
				stream.SetErr(ctx.Err())
				return
			}
		}
	}()
	return stream, nil
}

// Close implements bridge.Bridge.
func (b *Bridge) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}

// classify maps transport-level failures onto the bridge error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", bridge.ErrTimeout, err)
	default:
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			return fmt.Errorf("%w: %w", bridge.ErrUnavailable, err)
		}
		return err
	}
}
