package generation

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-go-golems/forge/pkg/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxRequestBody = 4 << 20

// NewHandler serves POST /api/chat: it decodes the message history, resolves
// the model and streams the generated text as text/plain, flushing per chunk.
//
// A backend failure before the first byte is answered with 502 and a JSON
// error. A failure after the first byte aborts the response so that the client
// sees a broken body instead of a clean end of stream.
func NewHandler(backend Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if backend == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "Generation backend not configured")
			return
		}

		var body ChatRequestBody
		if err := json.NewDecoder(io.LimitReader(req.Body, maxRequestBody)).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		in := FromWire(body)
		in.ModelID = models.Resolve(in.ModelID).ID
		if len(in.Messages) == 0 {
			writeJSONError(w, http.StatusBadRequest, "Messages are required")
			return
		}

		logger := log.With().Str("component", "generation").Str("model_id", in.ModelID).Logger()

		stream, err := backend.Stream(req.Context(), in)
		if err != nil {
			logger.Error().Err(err).Msg("open stream failed")
			writeJSONError(w, http.StatusBadGateway, "Failed to generate response")
			return
		}
		defer func() { _ = stream.Close() }()

		flusher, _ := w.(http.Flusher)
		started := false
		start := func() {
			if started {
				return
			}
			started = true
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(http.StatusOK)
		}

		chunks := 0
		for {
			chunk, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					start()
					logger.Debug().Int("chunks", chunks).Msg("stream finished")
					return
				}
				if !started {
					logger.Error().Err(err).Msg("stream failed before first chunk")
					writeJSONError(w, http.StatusBadGateway, "Failed to generate response")
					return
				}
				logger.Warn().Err(err).Int("chunks", chunks).Msg("stream failed mid-response")
				panic(http.ErrAbortHandler)
			}
			start()
			if _, err := io.WriteString(w, chunk); err != nil {
				logger.Debug().Err(err).Msg("client went away")
				return
			}
			chunks++
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
