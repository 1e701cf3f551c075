package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	MessageID string `json:"messageId"`
}

type stopRequest struct {
	AfterUtterance bool `json:"afterUtterance"`
}

func (r *Router) handleGetConversation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.conv.Snapshot())
}

func (r *Router) handleAsk(w http.ResponseWriter, req *http.Request) {
	var body askRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	id, err := r.conv.Ask(req.Context(), body.Question)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	// The answer arrives asynchronously; clients follow /api/conversation.
	writeJSON(w, http.StatusAccepted, askResponse{MessageID: id})
}

func (r *Router) handleVoiceStart(w http.ResponseWriter, req *http.Request) {
	if err := r.conv.StartVoice(req.Context()); err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r.conv.Snapshot())
}

func (r *Router) handleVoiceStop(w http.ResponseWriter, req *http.Request) {
	var body stopRequest
	// An empty body means stop now.
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && err != io.EOF {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if err := r.conv.StopVoice(req.Context(), body.AfterUtterance); err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r.conv.Snapshot())
}

func (r *Router) handleNewChat(w http.ResponseWriter, req *http.Request) {
	if err := r.conv.NewChat(req.Context()); err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r.conv.Snapshot())
}

func (r *Router) handlePinGraph(w http.ResponseWriter, req *http.Request) {
	index, ok := graphIndex(w, req)
	if !ok {
		return
	}
	graphID, err := r.conv.PinGraph(req.Context(), req.PathValue("id"), index)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"graphId": graphID})
}

func (r *Router) handleUnpinGraph(w http.ResponseWriter, req *http.Request) {
	index, ok := graphIndex(w, req)
	if !ok {
		return
	}
	if err := r.conv.UnpinGraph(req.Context(), req.PathValue("id"), index); err != nil {
		r.writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func graphIndex(w http.ResponseWriter, req *http.Request) (int, bool) {
	index, err := strconv.Atoi(req.PathValue("index"))
	if err != nil || index < 0 {
		http.Error(w, `{"error": "invalid graph index"}`, http.StatusBadRequest)
		return 0, false
	}
	return index, true
}
