package trigger

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Sumatoshi-tech/forgemirror/pkg/lifecycle"
)

// maxPayloadBytes bounds the webhook request body.
const maxPayloadBytes = 64 << 10

const payloadSchema = `{
  "type": "object",
  "required": ["repository"],
  "properties": {
    "repository": {"type": "string", "minLength": 1}
  }
}`

// Payload is the body of POST /hooks/refresh.
type Payload struct {
	Repository string `json:"repository"`
}

type response struct {
	Repository string   `json:"repository,omitempty"`
	Status     string   `json:"status"`
	Errors     []string `json:"errors,omitempty"`
}

// Webhook accepts refresh notifications over HTTP:
//
//	POST /repos/{name}/refresh
//	POST /hooks/refresh   {"repository": "<name>"}
//
// Both reply 202 once the sync has been scheduled.
type Webhook struct {
	sink   Sink
	schema *gojsonschema.Schema
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewWebhook creates the webhook handler.
func NewWebhook(sink Sink, logger *slog.Logger) (*Webhook, error) {
	if logger == nil {
		logger = slog.Default()
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		return nil, err
	}

	wh := &Webhook{sink: sink, schema: schema, mux: http.NewServeMux(), logger: logger}
	wh.mux.HandleFunc("POST /repos/{name}/refresh", wh.handleRepoRefresh)
	wh.mux.HandleFunc("POST /hooks/refresh", wh.handleHook)

	return wh, nil
}

// ServeHTTP implements http.Handler.
func (wh *Webhook) ServeHTTP(rw http.ResponseWriter, hr *http.Request) {
	wh.mux.ServeHTTP(rw, hr)
}

func (wh *Webhook) handleRepoRefresh(rw http.ResponseWriter, hr *http.Request) {
	wh.trigger(rw, hr, hr.PathValue("name"))
}

func (wh *Webhook) handleHook(rw http.ResponseWriter, hr *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, hr.Body, maxPayloadBytes))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, response{Status: "invalid", Errors: []string{err.Error()}})

		return
	}

	result, err := wh.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, response{Status: "invalid", Errors: []string{err.Error()}})

		return
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}

		writeJSON(rw, http.StatusBadRequest, response{Status: "invalid", Errors: msgs})

		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(rw, http.StatusBadRequest, response{Status: "invalid", Errors: []string{err.Error()}})

		return
	}

	wh.trigger(rw, hr, payload.Repository)
}

func (wh *Webhook) trigger(rw http.ResponseWriter, hr *http.Request, name string) {
	ctx := hr.Context()

	err := wh.sink.Trigger(ctx, name)

	switch {
	case err == nil:
		wh.logger.InfoContext(ctx, "trigger: webhook accepted", "repository", name)
		writeJSON(rw, http.StatusAccepted, response{Repository: name, Status: "accepted"})
	case errors.Is(err, lifecycle.ErrNotFound):
		writeJSON(rw, http.StatusNotFound, response{Repository: name, Status: "unknown repository"})
	case errors.Is(err, lifecycle.ErrClosed):
		writeJSON(rw, http.StatusServiceUnavailable, response{Repository: name, Status: "shutting down"})
	default:
		wh.logger.ErrorContext(ctx, "trigger: webhook failed", "repository", name, "error", err)
		writeJSON(rw, http.StatusInternalServerError, response{Repository: name, Status: "error", Errors: []string{err.Error()}})
	}
}

func writeJSON(rw http.ResponseWriter, code int, body response) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)

	_ = json.NewEncoder(rw).Encode(body)
}
