// Package openai provides a speech backend fronting the OpenAI API:
// Whisper for transcription, chat completions for replies, and the speech
// endpoint for synthesis.
//
// The speech endpoint returns 24 kHz PCM; the bridge resamples it down to the
// gateway's 16 kHz format before streaming it out.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/talkwire/talkwire/pkg/audio"
	"github.com/talkwire/talkwire/pkg/bridge"
)

const (
	// DefaultChatModel generates replies when no model is configured.
	DefaultChatModel = oai.ChatModelGPT4oMini

	// DefaultVoice is the synthesis voice when none is configured.
	DefaultVoice = "alloy"

	// speechSampleRate is the fixed output rate of the OpenAI speech
	// endpoint's PCM format.
	speechSampleRate = 24000

	// streamChunkBytes is how much resampled PCM goes into each stream
	// chunk: one gateway frame.
	streamChunkBytes = audio.FrameBytes

	defaultSystemPrompt = "You are a helpful voice assistant. Keep replies short and conversational; they will be spoken aloud."
)

// Compile-time assertion that Bridge implements bridge.Bridge.
var _ bridge.Bridge = (*Bridge)(nil)

// config holds optional configuration for the bridge.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	systemPrompt string
}

// Option is a functional option for Bridge.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithSystemPrompt overrides the default assistant persona.
func WithSystemPrompt(prompt string) Option {
	return func(c *config) {
		c.systemPrompt = prompt
	}
}

// Bridge implements bridge.Bridge using the OpenAI API.
type Bridge struct {
	client       oai.Client
	chatModel    string
	voice        string
	systemPrompt string
}

// New constructs an OpenAI bridge. If chatModel is empty, DefaultChatModel is
// used; if voice is empty, DefaultVoice.
func New(apiKey, chatModel, voice string, opts ...Option) (*Bridge, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai bridge: apiKey must not be empty")
	}
	if chatModel == "" {
		chatModel = DefaultChatModel
	}
	if voice == "" {
		voice = DefaultVoice
	}

	cfg := &config{systemPrompt: defaultSystemPrompt}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Bridge{
		client:       oai.NewClient(reqOpts...),
		chatModel:    chatModel,
		voice:        voice,
		systemPrompt: cfg.systemPrompt,
	}, nil
}

// Transcribe implements bridge.Bridge via the Whisper transcription endpoint.
func (b *Bridge) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	wav := audio.EncodeWAV(pcm)
	resp, err := b.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		Model: oai.AudioModelWhisper1,
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
	})
	if err != nil {
		return "", classify(fmt.Errorf("openai bridge: transcribe: %w", err))
	}
	return resp.Text, nil
}

// Respond implements bridge.Bridge via the chat completions endpoint.
func (b *Bridge) Respond(ctx context.Context, history []bridge.Utterance, userText string) (string, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, oai.SystemMessage(b.systemPrompt))
	for _, u := range history {
		switch u.Role {
		case bridge.RoleAssistant:
			messages = append(messages, oai.AssistantMessage(u.Text))
		default:
			messages = append(messages, oai.UserMessage(u.Text))
		}
	}
	// History already ends with the user's latest utterance when the caller
	// recorded it first; append only if it does not.
	if len(history) == 0 || history[len(history)-1].Text != userText {
		messages = append(messages, oai.UserMessage(userText))
	}

	resp, err := b.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    b.chatModel,
		Messages: messages,
	})
	if err != nil {
		return "", classify(fmt.Errorf("openai bridge: respond: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai bridge: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Synthesize implements bridge.Bridge via the speech endpoint. Audio is
// produced as one HTTP response body and re-chunked into gateway frames while
// it downloads, so playback can start before synthesis finishes.
func (b *Bridge) Synthesize(ctx context.Context, text string) (*bridge.Stream, error) {
	resp, err := b.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModelTTS1,
		Voice:          oai.AudioSpeechNewParamsVoice(b.voice),
		Input:          text,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("openai bridge: synthesize: %w", err))
	}

	ch := make(chan []byte, 8)
	stream := bridge.NewStream(ch)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// Buffer at the 24 kHz rate so each resampled chunk lands on a
		// gateway frame boundary.
		srcChunk := streamChunkBytes * speechSampleRate / audio.SampleRate
		buf := make([]byte, srcChunk)
		for {
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 {
				out := audio.Resample(buf[:n], speechSampleRate, audio.SampleRate)
				select {
				case ch <- out:
				case <-ctx.Done():
					stream.SetErr(ctx.Err())
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					stream.SetErr(classify(fmt.Errorf("openai bridge: read speech stream: %w", err)))
				}
				return
			}
		}
	}()
	return stream, nil
}

// Close implements bridge.Bridge. The OpenAI client holds no connections that
// need tearing down.
func (b *Bridge) Close() error { return nil }

// classify maps transport-level failures onto the bridge error taxonomy so
// the session engine can report the right error kind.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", bridge.ErrTimeout, err)
	case isConnRefused(err):
		return fmt.Errorf("%w: %w", bridge.ErrUnavailable, err)
	default:
		return err
	}
}

func isConnRefused(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}
