package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/lukasbauer/insightchat/internal/backend"
)

type transcriptList struct {
	Transcripts []backend.Transcript `json:"transcripts"`
	// Cached is set when the backend was unreachable and the list came from
	// the local history cache.
	Cached bool `json:"cached,omitempty"`
}

type renameRequest struct {
	Title string `json:"title"`
}

func (r *Router) handleListTranscripts(w http.ResponseWriter, req *http.Request) {
	list, err := r.conv.ListTranscripts(req.Context())
	if err != nil {
		if len(list) == 0 {
			r.writeError(w, req, err)
			return
		}
		r.logger.Printf("httpapi: serving cached transcripts: %v", err)
		writeJSON(w, http.StatusOK, transcriptList{Transcripts: list, Cached: true})
		return
	}
	if list == nil {
		list = []backend.Transcript{}
	}
	writeJSON(w, http.StatusOK, transcriptList{Transcripts: list})
}

func (r *Router) handleSelectTranscript(w http.ResponseWriter, req *http.Request) {
	if err := r.conv.SelectTranscript(req.Context(), req.PathValue("id")); err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, r.conv.Snapshot())
}

func (r *Router) handleRenameTranscript(w http.ResponseWriter, req *http.Request) {
	var body renameRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	t, err := r.conv.RenameTranscript(req.Context(), req.PathValue("id"), body.Title)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (r *Router) handleDeleteTranscript(w http.ResponseWriter, req *http.Request) {
	if err := r.conv.DeleteTranscript(req.Context(), req.PathValue("id")); err != nil {
		r.writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
