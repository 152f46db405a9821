package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"cyberids/internal/predict"
)

const (
	wsReadLimit    = 512 * 1024 // 512KB max message size
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// streamRequest is one scoring message on the websocket. Each message scores
// a single already-computed flow record; the reply mirrors the /predict
// response shape with exactly one entry.
type streamRequest struct {
	Record       map[string]any `json:"record"`
	Threshold    *float64       `json:"threshold,omitempty"`
	ModelVersion string         `json:"model_version,omitempty"`
}

type streamResponse struct {
	Probability  float64              `json:"probability"`
	Label        int                  `json:"label"`
	ModelVersion string               `json:"model_version"`
	Error        *predict.RecordError `json:"error,omitempty"`
}

// handleStream upgrades the connection and scores records one message at a
// time until the client closes or a deadline passes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer func() {
		conn.Close()
		log.Debug().Msg("scoring stream closed")
	}()

	conn.SetReadLimit(wsReadLimit)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return
		}

		var req streamRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("scoring stream read failed")
			}
			return
		}

		resp := s.scoreStreamRecord(r, req)

		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return
		}
		if err := conn.WriteJSON(resp); err != nil {
			log.Warn().Err(err).Msg("scoring stream write failed")
			return
		}
	}
}

func (s *Server) scoreStreamRecord(r *http.Request, req streamRequest) streamResponse {
	if len(req.Record) == 0 {
		return streamResponse{
			Error: &predict.RecordError{Kind: kindBadRequest, Message: "message carries no record"},
		}
	}

	result, err := s.svc.PredictBatch(r.Context(), []map[string]any{req.Record}, predict.Options{
		Threshold: req.Threshold,
		Version:   req.ModelVersion,
	})
	if err != nil {
		kind := kindBadRequest
		if errors.Is(err, predict.ErrModelVersionUnavailable) {
			kind = kindModelVersionUnavailable
		}
		return streamResponse{
			Error: &predict.RecordError{Kind: kind, Message: err.Error()},
		}
	}

	resp := streamResponse{
		Probability:  result.Probabilities[0],
		Label:        result.Labels[0],
		ModelVersion: result.ModelVersion,
	}
	if len(result.Errors) > 0 {
		re := result.Errors[0]
		resp.Error = &re
	}
	return resp
}
