// Package call exposes the HTTP surface of the voice pipeline: call
// lifecycle plus the per-turn NDJSON stream that carries text deltas,
// synthesized audio, and metadata for one utterance's reply.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/expertline/voicepipe/internal/audio"
	"github.com/expertline/voicepipe/internal/config"
	"github.com/expertline/voicepipe/internal/expert"
	"github.com/expertline/voicepipe/internal/flush"
	"github.com/expertline/voicepipe/internal/generate"
	"github.com/expertline/voicepipe/internal/observability"
	"github.com/expertline/voicepipe/internal/segment"
	"github.com/expertline/voicepipe/internal/session"
	"github.com/expertline/voicepipe/internal/stt"
	"github.com/expertline/voicepipe/internal/tts"
	"github.com/expertline/voicepipe/internal/wire"
)

// historyTurns bounds how much conversation history feeds each new turn.
const historyTurns = 8

// Sentinel failures for the streaming phase. streamReply wraps upstream
// errors with one of these so userFacingMessage can classify them with
// errors.Is instead of matching message text.
var (
	errSynthesisFailed  = errors.New("speech synthesis failed")
	errGenerationFailed = errors.New("response generation failed")
)

// Handler serves the call endpoints.
type Handler struct {
	cfg         *config.Config
	store       session.Store
	transcriber stt.Transcriber
	resolver    expert.Resolver
	generator   generate.Generator
	synth       tts.Synthesizer
	logger      zerolog.Logger
}

// NewHandler wires the turn pipeline's collaborators together.
func NewHandler(cfg *config.Config, store session.Store, transcriber stt.Transcriber, resolver expert.Resolver, generator generate.Generator, synth tts.Synthesizer) *Handler {
	return &Handler{
		cfg:         cfg,
		store:       store,
		transcriber: transcriber,
		resolver:    resolver,
		generator:   generator,
		synth:       synth,
		logger:      observability.GetLogger().With().Str("component", "call").Logger(),
	}
}

// Register mounts the call routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /calls", h.handleCreateCall)
	mux.HandleFunc("GET /calls/{id}", h.handleGetCall)
	mux.HandleFunc("POST /calls/{id}/turns", h.handleTurn)
}

func (h *Handler) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	sess := h.store.Create()
	h.logger.Info().Str("call_id", sess.ID).Msg("Call session created")
	writeJSON(w, http.StatusCreated, map[string]string{"callId": sess.ID})
}

func (h *Handler) handleGetCall(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	type turnView struct {
		Question   string    `json:"question"`
		Answer     string    `json:"answer"`
		ExpertName string    `json:"expertName,omitempty"`
		At         time.Time `json:"at"`
	}
	turns := make([]turnView, 0, len(sess.Turns))
	for _, t := range sess.Turns {
		turns = append(turns, turnView{Question: t.Question, Answer: t.Answer, ExpertName: t.ExpertName, At: t.At})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"callId":    sess.ID,
		"createdAt": sess.CreatedAt,
		"turns":     turns,
	})
}

// handleTurn runs one full turn: transcribe, resolve the expert, then stream
// the generated reply and its synthesized audio as NDJSON. Failures before
// the first event are plain HTTP errors; failures after it are reported as
// an error event so the stream still terminates with done.
func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	sess, err := h.store.Get(callID)
	if err != nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	if err := h.store.BeginTurn(callID); err != nil {
		if errors.Is(err, session.ErrTurnInProgress) {
			writeError(w, http.StatusConflict, "a turn is already in progress")
			return
		}
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	defer h.store.EndTurn(callID)

	turnID := uuid.New().String()
	logger := observability.WithTurn(callID, turnID)
	metrics := observability.NewTurnMetrics(turnID)
	defer metrics.RecordTurnEnd()

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(h.cfg.TurnTimeoutSeconds)*time.Second)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.cfg.MaxRequestBodyBytes))

	transcript, err := h.readTranscript(ctx, r, metrics)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			logger.Warn().Err(se.err).Msg(se.msg)
			writeError(w, se.status, se.msg)
			return
		}
		logger.Error().Err(err).Msg("Transcription failed")
		metrics.RecordError("upstream", "stt")
		writeError(w, http.StatusBadGateway, "transcription failed")
		return
	}
	logger.Info().Str("transcript", transcript).Msg("Turn transcript ready")

	profile, err := h.resolver.Resolve(ctx, transcript, priorContext(sess))
	if err != nil {
		logger.Error().Err(err).Msg("Expert resolution failed")
		metrics.RecordError("upstream", "expert")
		writeError(w, http.StatusBadGateway, "expert resolution failed")
		return
	}
	logger.Info().Str("expert", profile.Name).Msg("Expert resolved")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	mux := wire.NewMultiplexer(w, metrics.RecordWireEvent)
	defer mux.Done()

	if err := mux.Metadata(transcript, wire.Expert{
		Name:           profile.Name,
		ExpertiseAreas: profile.ExpertiseAreas,
		Reasoning:      profile.Reasoning,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to write metadata event")
		return
	}

	started := time.Now()
	replyText, streamErr := h.streamReply(ctx, logger, metrics, mux, transcript, profile, sess)
	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) {
			logger.Info().Msg("Turn cancelled by client")
			return
		}
		logger.Error().Err(streamErr).Msg("Turn failed mid-stream")
		mux.Error(userFacingMessage(streamErr))
		return
	}

	mux.Complete(replyText, time.Since(started).Milliseconds())

	if err := h.store.AppendTurn(callID, session.Turn{
		Question:   transcript,
		Answer:     replyText,
		ExpertName: profile.Name,
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to record turn history")
	}
	logger.Info().
		Int64("processing_ms", time.Since(started).Milliseconds()).
		Msg("Turn complete")
}

// streamReply drives generation through segmentation, flushing, and
// synthesis, multiplexing text deltas and audio chunks onto the wire. It
// returns the full reply text along with any failure; partial events already
// written stay written.
func (h *Handler) streamReply(ctx context.Context, logger zerolog.Logger, metrics *observability.TurnMetrics, mux *wire.Multiplexer, transcript string, profile *expert.Profile, sess *session.Session) (string, error) {
	synthDone := make(chan struct{})
	synthErr := make(chan error, 1)

	var stream tts.StreamHandle
	coord := flush.New(
		flush.Config{
			FirstChars:  h.cfg.FlushFirstChars,
			StableChars: h.cfg.FlushStableChars,
			MaxWords:    h.cfg.FlushMaxWords,
			Debounce:    time.Duration(h.cfg.FlushDebounceMs) * time.Millisecond,
		},
		func(chunk flush.Chunk) error { return stream.SendText(chunk.Text, true) },
		metrics.RecordFlush,
	)

	stream, err := h.synth.Open(ctx, tts.StreamConfig{
		VoiceID:    h.cfg.ElevenLabsVoiceID,
		ModelID:    h.cfg.ElevenLabsModelID,
		SampleRate: h.cfg.ElevenLabsSampleRate,
	}, tts.Callbacks{
		OnAudio: func(audioBase64 string) {
			chunk, ok := coord.Dequeue()
			if !ok {
				logger.Warn().Msg("Audio arrived with no chunk awaiting it, dropping")
				return
			}
			if pcm, err := audio.DecodeBase64(audioBase64); err != nil {
				logger.Warn().Err(err).Int("index", chunk.Sequence).Msg("Synthesis returned undecodable audio")
			} else {
				logger.Debug().
					Int("index", chunk.Sequence).
					Dur("audio_duration", audio.Duration(pcm, h.cfg.ElevenLabsSampleRate)).
					Msg("Audio chunk ready")
			}
			mux.AudioChunk(chunk.Sequence, chunk.Text, audioBase64)
			metrics.RecordAudioChunk()
		},
		OnError: func(err error) {
			select {
			case synthErr <- err:
			default:
			}
		},
		OnClose: func() { close(synthDone) },
	})
	if err != nil {
		metrics.RecordError("upstream", "tts")
		return "", fmt.Errorf("%w: stream unavailable: %w", errSynthesisFailed, err)
	}
	defer stream.Close()

	metrics.RecordGenerateStart()
	deltas, err := h.generator.Stream(ctx, generate.Request{
		Question:   transcript,
		ExpertName: profile.Name,
		Expertise:  profile.ExpertiseAreas,
		History:    historyMessages(sess),
	})
	if err != nil {
		metrics.RecordGenerateEnd(false)
		metrics.RecordError("upstream", "generate")
		return "", fmt.Errorf("%w: stream unavailable: %w", errGenerationFailed, err)
	}

	seg := segment.New()
	var full strings.Builder
	for delta := range deltas {
		if delta.Err != nil {
			metrics.RecordGenerateEnd(false)
			metrics.RecordError("upstream", "generate")
			return full.String(), fmt.Errorf("%w: %w", errGenerationFailed, delta.Err)
		}
		full.WriteString(delta.Text)
		mux.TextDelta(delta.Text)
		metrics.RecordTextDelta()

		for _, sentence := range seg.Feed(delta.Text) {
			if err := coord.Append(sentence); err != nil {
				logger.Warn().Err(err).Msg("Synthesis transport rejected a chunk")
			}
		}
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordGenerateEnd(false)
		return full.String(), err
	}
	metrics.RecordGenerateEnd(true)

	if tail := seg.Flush(); tail != "" {
		if err := coord.Append(tail); err != nil {
			logger.Warn().Err(err).Msg("Synthesis transport rejected the final chunk")
		}
	}
	if err := coord.Finish(); err != nil {
		logger.Warn().Err(err).Msg("Final flush failed")
	}
	if err := stream.End(); err != nil {
		logger.Warn().Err(err).Msg("Failed to end synthesis stream")
	}

	// Drain the synthesis stream: it closes after the final audio frame, a
	// benign quiet timeout, or an error.
	select {
	case <-synthDone:
	case <-ctx.Done():
		stream.Close()
		<-synthDone
		return full.String(), ctx.Err()
	}

	select {
	case err := <-synthErr:
		metrics.RecordSynthEnd(false)
		metrics.RecordError("upstream", "tts")
		return full.String(), fmt.Errorf("%w: %w", errSynthesisFailed, err)
	default:
	}
	metrics.RecordSynthEnd(true)
	logger.Debug().
		Int("audio_chunks", stream.AudioChunks()).
		Int("flushes", coord.FlushCount()).
		Msg("Synthesis stream drained")

	return full.String(), nil
}

// statusError carries an HTTP status for failures detected before streaming.
type statusError struct {
	status int
	msg    string
	err    error
}

func (e *statusError) Error() string { return e.msg }
func (e *statusError) Unwrap() error { return e.err }

// readTranscript extracts the turn's transcript: either an uploaded audio
// recording to transcribe (multipart field "audio") or a ready-made
// transcript in a JSON body.
func (h *Handler) readTranscript(ctx context.Context, r *http.Request, metrics *observability.TurnMetrics) (string, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, _, err := r.FormFile("audio")
		if err != nil {
			return "", &statusError{status: http.StatusBadRequest, msg: "missing audio upload", err: err}
		}
		defer file.Close()

		metrics.RecordTranscribeStart()
		result, err := h.transcriber.Transcribe(ctx, file)
		metrics.RecordTranscribeEnd(err == nil)
		if err != nil {
			return "", err
		}
		return result.Text, nil
	}

	var body struct {
		Transcript string `json:"transcript"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", &statusError{status: http.StatusBadRequest, msg: "invalid request body", err: err}
	}
	transcript := strings.TrimSpace(body.Transcript)
	if transcript == "" {
		return "", &statusError{status: http.StatusBadRequest, msg: "transcript must not be empty", err: nil}
	}
	return transcript, nil
}

// historyMessages converts recent session turns into generation history.
func historyMessages(sess *session.Session) []generate.Message {
	turns := sess.Turns
	if len(turns) > historyTurns {
		turns = turns[len(turns)-historyTurns:]
	}
	messages := make([]generate.Message, 0, len(turns)*2)
	for _, t := range turns {
		messages = append(messages, generate.Message{Role: "user", Content: t.Question})
		messages = append(messages, generate.Message{Role: "assistant", Content: t.Answer})
	}
	return messages
}

// priorContext summarizes the session for the expert resolver.
func priorContext(sess *session.Session) string {
	var b strings.Builder
	if sess.Context != "" {
		b.WriteString(sess.Context)
		b.WriteString("\n")
	}
	turns := sess.Turns
	if len(turns) > historyTurns {
		turns = turns[len(turns)-historyTurns:]
	}
	for _, t := range turns {
		fmt.Fprintf(&b, "Caller: %s\n", t.Question)
		if t.ExpertName != "" {
			fmt.Fprintf(&b, "%s: %s\n", t.ExpertName, t.Answer)
		} else {
			fmt.Fprintf(&b, "Expert: %s\n", t.Answer)
		}
	}
	return strings.TrimSpace(b.String())
}

// userFacingMessage maps internal failures to the generic messages clients
// show; details stay in the logs.
func userFacingMessage(err error) string {
	switch {
	case errors.Is(err, errSynthesisFailed):
		return errSynthesisFailed.Error()
	case errors.Is(err, errGenerationFailed):
		return errGenerationFailed.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "the turn timed out"
	default:
		return "the turn could not be completed"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
