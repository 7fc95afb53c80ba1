// Package azure provides an Azure Speech-backed recognition provider using
// the Cognitive Services Speech SDK's push-audio-input-stream API. It
// implements the recognizer.Provider interface.
package azure

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Microsoft/cognitive-services-speech-sdk-go/audio"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/common"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/speech"
	"github.com/voxscribe/voxscribe/pkg/recognizer"
)

const defaultLanguage = "en-US"

// Option is a functional option for configuring the azure Provider.
type Option func(*Provider)

// WithLanguage sets the default BCP-47 recognition language (e.g., "en-US").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// Provider implements recognizer.Provider backed by Azure Speech
// continuous recognition.
type Provider struct {
	subscriptionKey string
	region          string
	language        string
}

// New creates a new azure Provider. subscriptionKey and region must be
// non-empty.
func New(subscriptionKey, region string, opts ...Option) (*Provider, error) {
	if subscriptionKey == "" || region == "" {
		return nil, errors.New("azure: subscription key and region must not be empty")
	}
	p := &Provider{
		subscriptionKey: subscriptionKey,
		region:          region,
		language:        defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a continuous-recognition session fed by a push stream.
// Keyword hints in cfg are ignored; Azure takes vocabulary through custom
// models, not per-stream hints.
func (p *Provider) StartStream(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("azure: start stream: %w", err)
	}

	speechConfig, err := speech.NewSpeechConfigFromSubscription(p.subscriptionKey, p.region)
	if err != nil {
		return nil, fmt.Errorf("azure: speech config: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	if err := speechConfig.SetSpeechRecognitionLanguage(lang); err != nil {
		speechConfig.Close()
		return nil, fmt.Errorf("azure: set language %q: %w", lang, err)
	}

	format, err := audio.GetWaveFormatPCM(uint32(cfg.SampleRate), uint8(cfg.BitsPerSample), uint8(cfg.Channels))
	if err != nil {
		speechConfig.Close()
		return nil, fmt.Errorf("azure: wave format: %w", err)
	}

	pushStream, err := audio.CreatePushAudioInputStreamFromFormat(format)
	if err != nil {
		speechConfig.Close()
		return nil, fmt.Errorf("azure: push stream: %w", err)
	}

	audioConfig, err := audio.NewAudioConfigFromStreamInput(pushStream)
	if err != nil {
		pushStream.CloseStream()
		speechConfig.Close()
		return nil, fmt.Errorf("azure: audio config: %w", err)
	}

	rec, err := speech.NewSpeechRecognizerFromConfig(speechConfig, audioConfig)
	if err != nil {
		pushStream.CloseStream()
		speechConfig.Close()
		return nil, fmt.Errorf("azure: recognizer: %w", err)
	}

	s := &session{
		speechConfig: speechConfig,
		pushStream:   pushStream,
		recognizer:   rec,
		results:      make(chan recognizer.Result, 64),
		canceled:     make(chan recognizer.CancelEvent, 8),
		status:       recognizer.StatusConnecting,
	}

	rec.Recognizing(func(e speech.SpeechRecognitionEventArgs) {
		s.deliver(recognizer.Result{
			Text:      e.Result.Text,
			IsFinal:   false,
			Timestamp: e.Result.Offset,
			Duration:  e.Result.Duration,
		})
	})
	rec.Recognized(func(e speech.SpeechRecognitionEventArgs) {
		s.deliver(recognizer.Result{
			Text:      e.Result.Text,
			IsFinal:   true,
			Timestamp: e.Result.Offset,
			Duration:  e.Result.Duration,
		})
	})
	rec.Canceled(func(e speech.SpeechRecognitionCanceledEventArgs) {
		s.handleCanceled(e)
	})
	rec.SessionStarted(func(e speech.SessionEventArgs) {
		s.setStatus(recognizer.StatusConnected)
	})
	rec.SessionStopped(func(e speech.SessionEventArgs) {
		s.setStatus(recognizer.StatusDisconnected)
	})

	// Connection-level events give a tighter status signal than
	// session start/stop when the SDK exposes them.
	if conn, cErr := speech.NewConnectionFromRecognizer(rec); cErr == nil {
		s.conn = conn
		conn.Connected(func(e speech.ConnectionEventArgs) {
			s.setStatus(recognizer.StatusConnected)
		})
		conn.Disconnected(func(e speech.ConnectionEventArgs) {
			s.setStatus(recognizer.StatusDisconnected)
		})
	}

	if err := <-rec.StartContinuousRecognitionAsync(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("azure: start continuous recognition: %w", err)
	}

	return s, nil
}

// session is a live Azure continuous-recognition session. It implements
// recognizer.Session.
type session struct {
	speechConfig *speech.SpeechConfig
	pushStream   *audio.PushAudioInputStream
	recognizer   *speech.SpeechRecognizer
	conn         *speech.Connection

	results  chan recognizer.Result
	canceled chan recognizer.CancelEvent

	mu     sync.Mutex
	status recognizer.ConnectionStatus
	closed bool

	closeOnce sync.Once
}

// WriteAudio pushes a PCM chunk into the recognizer's push stream.
func (s *session) WriteAudio(chunk []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("azure: session is closed")
	}
	if err := s.pushStream.Write(chunk); err != nil {
		return fmt.Errorf("azure: push stream write: %w", err)
	}
	return nil
}

// Results returns the channel of recognition results.
func (s *session) Results() <-chan recognizer.Result { return s.results }

// Canceled returns the channel of cancellation events.
func (s *session) Canceled() <-chan recognizer.CancelEvent { return s.canceled }

// ConnectionStatus reports the last status observed from SDK events.
func (s *session) ConnectionStatus() recognizer.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close stops recognition, closes the push stream, and releases SDK handles.
// Safe to call more than once.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		<-s.recognizer.StopContinuousRecognitionAsync()
		s.pushStream.CloseStream()
		if s.conn != nil {
			s.conn.Close()
		}
		s.recognizer.Close()
		s.speechConfig.Close()

		close(s.results)
		close(s.canceled)
	})
	return nil
}

// deliver forwards a result unless the session is already closed. The send
// stays under the lock: Close marks the session closed under the same lock
// before it closes the channel, so an SDK callback straddling the stop call
// can never send on a closed channel.
func (s *session) deliver(r recognizer.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.results <- r:
	default:
		// Consumer is not keeping up; drop rather than block the SDK
		// callback thread.
	}
}

// handleCanceled classifies an SDK cancellation and forwards it. Like
// deliver, the send is serialized with Close through s.mu.
func (s *session) handleCanceled(e speech.SpeechRecognitionCanceledEventArgs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = recognizer.StatusDisconnected
	if s.closed {
		return
	}

	if e.Reason == common.EndOfStream {
		// Our own push stream close; not an error.
		return
	}

	ev := recognizer.CancelEvent{
		Transient: isTransientErrorCode(e.ErrorCode),
		Err:       fmt.Errorf("azure: recognition canceled: code=%d details=%s", e.ErrorCode, e.ErrorDetails),
	}
	select {
	case s.canceled <- ev:
	default:
	}
}

// setStatus records a connection status transition.
func (s *session) setStatus(st recognizer.ConnectionStatus) {
	s.mu.Lock()
	if !s.closed {
		s.status = st
	}
	s.mu.Unlock()
}

// isTransientErrorCode reports whether an SDK cancellation error code is a
// connection-level interruption worth restarting over.
func isTransientErrorCode(code common.CancellationErrorCode) bool {
	switch code {
	case common.ConnectionFailure, common.ServiceTimeout, common.ServiceUnavailable:
		return true
	}
	return false
}
