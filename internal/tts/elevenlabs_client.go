package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/expertline/voicepipe/internal/config"
	"github.com/expertline/voicepipe/internal/observability"
	"github.com/expertline/voicepipe/internal/resilience"
)

const (
	defaultBaseURL = "wss://api.elevenlabs.io"

	// defaultReadTimeout bounds the wait for the next server frame. The
	// service keeps the socket quiet while it synthesizes, so this has to
	// cover a full chunk's synthesis time.
	defaultReadTimeout = 30 * time.Second
)

// ElevenLabsClient opens realtime synthesis streams against the ElevenLabs
// stream-input websocket API.
type ElevenLabsClient struct {
	apiKey      string
	baseURL     string
	dialer      *websocket.Dialer
	readTimeout time.Duration
	retry       *resilience.RetryConfig // nil disables dial retries
	logger      zerolog.Logger
}

// NewElevenLabsClient creates a client from service configuration.
func NewElevenLabsClient(cfg *config.Config) *ElevenLabsClient {
	return &ElevenLabsClient{
		apiKey:      cfg.ElevenLabsAPIKey,
		baseURL:     defaultBaseURL,
		dialer:      websocket.DefaultDialer,
		readTimeout: defaultReadTimeout,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: observability.GetLogger().With().Str("component", "tts").Logger(),
	}
}

// streamFrame is a client-to-server message on the stream-input socket.
type streamFrame struct {
	Text          string         `json:"text"`
	Flush         bool           `json:"flush,omitempty"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// serverFrame is a server-to-client message. Audio is base64-encoded PCM.
type serverFrame struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error,omitempty"`
}

// Open dials the stream-input endpoint for the configured voice and starts
// the read loop. The returned handle is safe for use from one writer
// goroutine; callbacks fire from the read goroutine.
func (c *ElevenLabsClient) Open(ctx context.Context, scfg StreamConfig, cb Callbacks) (StreamHandle, error) {
	endpoint, err := url.Parse(fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input", c.baseURL, scfg.VoiceID))
	if err != nil {
		return nil, fmt.Errorf("invalid synthesis endpoint: %w", err)
	}
	query := endpoint.Query()
	query.Set("model_id", scfg.ModelID)
	query.Set("output_format", fmt.Sprintf("pcm_%d", scfg.SampleRate))
	endpoint.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("xi-api-key", c.apiKey)

	var conn *websocket.Conn
	dial := func() error {
		var resp *http.Response
		var err error
		conn, resp, err = c.dialer.DialContext(ctx, endpoint.String(), header)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("elevenlabs dial failed with status %d: %w", resp.StatusCode, err)
			}
			return fmt.Errorf("elevenlabs dial failed: %w", err)
		}
		return nil
	}
	if c.retry != nil {
		err = resilience.Retry(dial, c.retry, resilience.IsRetryableNetworkError)
	} else {
		err = dial()
	}
	if err != nil {
		return nil, err
	}

	s := &elevenStream{
		conn:        conn,
		cb:          cb,
		readTimeout: c.readTimeout,
		logger:      c.logger,
	}

	// The opening frame carries the voice settings and a single space to
	// initialize the synthesis context before real text arrives.
	init := streamFrame{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	}
	if err := s.writeFrame(init); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize synthesis stream: %w", err)
	}

	go s.readLoop()
	return s, nil
}

// elevenStream is one open stream-input websocket.
type elevenStream struct {
	conn        *websocket.Conn
	cb          Callbacks
	readTimeout time.Duration
	logger      zerolog.Logger

	writeMu     sync.Mutex
	closeOnce   sync.Once
	closed      atomic.Bool
	audioChunks atomic.Int64
}

// SendText submits one chunk of text for synthesis. ElevenLabs buffers input
// until a flush or a natural break, and requires a trailing space on each
// text frame.
func (s *elevenStream) SendText(text string, flush bool) error {
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	return s.writeFrame(streamFrame{Text: text, Flush: flush})
}

// End sends the empty-text terminator. The service synthesizes anything still
// buffered, marks the last frame final, and closes the socket.
func (s *elevenStream) End() error {
	return s.writeFrame(streamFrame{Text: ""})
}

// Close tears the stream down. The read loop observes the closed socket and
// fires OnClose without reporting an error.
func (s *elevenStream) Close() error {
	s.closed.Store(true)
	return s.conn.Close()
}

// AudioChunks returns how many audio chunks have been delivered.
func (s *elevenStream) AudioChunks() int {
	return int(s.audioChunks.Load())
}

func (s *elevenStream) writeFrame(frame streamFrame) error {
	if s.closed.Load() {
		return fmt.Errorf("synthesis stream is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal synthesis frame: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write synthesis frame: %w", err)
	}
	return nil
}

// readLoop pumps server frames into the callbacks until the stream ends.
func (s *elevenStream) readLoop() {
	defer s.fireClose()

	for {
		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isBenignClose(err) {
				return
			}
			if s.cb.OnError != nil {
				s.cb.OnError(err)
			}
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping malformed synthesis frame")
			continue
		}

		if frame.Error != "" {
			if s.cb.OnError != nil {
				s.cb.OnError(fmt.Errorf("elevenlabs stream error: %s", frame.Error))
			}
			return
		}
		if frame.Audio != "" {
			s.audioChunks.Add(1)
			if s.cb.OnAudio != nil {
				s.cb.OnAudio(frame.Audio)
			}
		}
		if frame.IsFinal {
			if s.cb.OnFinal != nil {
				s.cb.OnFinal()
			}
			return
		}
	}
}

// isBenignClose decides whether a read failure ends the stream cleanly. A
// caller-initiated Close and a normal websocket close always do. A transport
// timeout counts as completion once audio has flowed: the service goes quiet
// after delivering the last chunk rather than always sending a final marker.
func (s *elevenStream) isBenignClose(err error) bool {
	if s.closed.Load() {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() && s.audioChunks.Load() > 0 {
		s.logger.Debug().Msg("Synthesis read timed out after audio delivery, treating as complete")
		return true
	}
	return false
}

// fireClose runs the OnClose callback exactly once and releases the socket.
func (s *elevenStream) fireClose() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.conn.Close()
		if s.cb.OnClose != nil {
			s.cb.OnClose()
		}
	})
}
