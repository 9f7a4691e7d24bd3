package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tiergate/tiergate/services/query"
)

// streamCompletion delivers a completion as Server-Sent Events:
// a role-announcement chunk (carrying any pre-stream warnings), one
// chunk per content delta, a finish chunk, and data: [DONE].
//
// Nothing is written to the client until the first upstream chunk
// arrives, so failures before that point still produce a regular JSON
// error with the mapped status code. Once bytes have been flushed the
// response is committed: a failure emits an error event and
// terminates, and the retry loop stays out of it.
func (h *CompletionsHandler) streamCompletion(w http.ResponseWriter, r *http.Request, target modelTarget, prompt, requestID string) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeOpenAIError(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}

	completionID := newCompletionID()
	created := time.Now().Unix()
	started := false
	var model string

	writeEvent := func(payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	onStart := func(info query.StreamInfo) {
		started = true
		model = info.Endpoint.Name

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		// Warnings gathered before the first byte ride on the role
		// chunk; later ones can only be logged.
		_ = writeEvent(CompletionChunk{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChunkChoice{
				{Index: 0, Delta: ChunkDelta{Role: "assistant"}},
			},
			Warnings: info.Warnings,
		})

		h.logger.Info("stream started",
			zap.String("request_id", requestID),
			zap.String("completion_id", completionID),
			zap.String("endpoint", info.Endpoint.Name),
			zap.String("tier", string(info.Tier)))
	}

	onChunk := func(content string) error {
		return writeEvent(CompletionChunk{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChunkChoice{
				{Index: 0, Delta: ChunkDelta{Content: content}},
			},
		})
	}

	var err error
	if target.endpoint != nil {
		err = h.executor.ExecuteDirectStream(ctx, *target.endpoint, target.decision.Strategy, prompt, onStart, onChunk)
	} else {
		err = h.executor.ExecuteStream(ctx, target.decision, prompt, onStart, onChunk)
	}

	if err != nil {
		if !started {
			// No bytes on the wire yet; fail like a buffered request.
			h.logger.Error("stream failed before first byte",
				zap.String("request_id", requestID),
				zap.Error(err))
			h.writeOpenAIError(w, statusForError(err), err.Error())
			return
		}

		// Mid-flight break: emit an error event and stop. Warnings
		// arising now have no channel left; log only.
		h.logger.Error("stream interrupted",
			zap.String("request_id", requestID),
			zap.String("completion_id", completionID),
			zap.Error(err))
		_ = writeEvent(NewOpenAIError(http.StatusBadGateway, err.Error()))
		return
	}

	stop := "stop"
	_ = writeEvent(CompletionChunk{
		ID:      completionID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{
			{Index: 0, Delta: ChunkDelta{}, FinishReason: &stop},
		},
	})
	if _, werr := fmt.Fprint(w, "data: [DONE]\n\n"); werr == nil {
		flusher.Flush()
	}

	h.logger.Info("stream completed",
		zap.String("request_id", requestID),
		zap.String("completion_id", completionID))
}

