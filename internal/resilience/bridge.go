package resilience

import (
	"context"
	"errors"

	"github.com/talkwire/talkwire/pkg/bridge"
)

// FailoverBridge is a [bridge.Bridge] that serves each call from the first
// healthy backend in a [FailoverChain]. A turn that starts on a fallback
// backend is indistinguishable from one served by the primary; only the
// voice may differ.
type FailoverBridge struct {
	chain *FailoverChain[bridge.Bridge]
}

var _ bridge.Bridge = (*FailoverBridge)(nil)

// NewFailoverBridge creates a failover bridge with primary first in line.
func NewFailoverBridge(primaryName string, primary bridge.Bridge, cfg BreakerConfig) *FailoverBridge {
	chain := NewFailoverChain[bridge.Bridge](cfg)
	chain.Add(primaryName, primary)
	return &FailoverBridge{chain: chain}
}

// AddFallback appends another backend, tried after the ones already added.
func (f *FailoverBridge) AddFallback(name string, b bridge.Bridge) {
	f.chain.Add(name, b)
}

func (f *FailoverBridge) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	return Try(f.chain, func(b bridge.Bridge) (string, error) {
		return b.Transcribe(ctx, pcm)
	})
}

func (f *FailoverBridge) Respond(ctx context.Context, history []bridge.Utterance, userText string) (string, error) {
	return Try(f.chain, func(b bridge.Bridge) (string, error) {
		return b.Respond(ctx, history, userText)
	})
}

// Synthesize opens a stream on the first healthy backend. Only stream
// creation fails over; once audio is flowing, mid-stream errors surface
// through the stream itself.
func (f *FailoverBridge) Synthesize(ctx context.Context, text string) (*bridge.Stream, error) {
	return Try(f.chain, func(b bridge.Bridge) (*bridge.Stream, error) {
		return b.Synthesize(ctx, text)
	})
}

// Close closes every backend in the chain and joins their errors.
func (f *FailoverBridge) Close() error {
	var errs []error
	f.chain.Each(func(_ string, b bridge.Bridge) {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
