package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stoic-persona/server/internal/core"
)

// maxUploadSize caps PDF uploads at 32 MB.
const maxUploadSize = 32 << 20

func (h *APIHandler) ListSourcesHandler(w http.ResponseWriter, r *http.Request) {
	st := h.sessionFor(r)
	if err := st.LoadSources(); err != nil {
		http.Error(w, "Failed to load sources", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(st.Sources())
}

// UploadSourceHandler accepts a multipart PDF upload, extracts its text
// server-side and returns the created source record.
func (h *APIHandler) UploadSourceHandler(w http.ResponseWriter, r *http.Request) {
	st := h.sessionFor(r)

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeJSONError(w, http.StatusBadRequest, "File is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "File is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		log.Printf("Error reading upload %s: %v", header.Filename, err)
		writeJSONError(w, http.StatusInternalServerError, "Error processing PDF file")
		return
	}

	src, err := st.UploadFile(header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		if errors.Is(err, core.ErrNotPDF) {
			writeJSONError(w, http.StatusBadRequest, "Only PDF files are allowed")
			return
		}
		log.Printf("Error processing PDF %s: %v", header.Filename, err)
		writeJSONError(w, http.StatusInternalServerError, "Error processing PDF file")
		return
	}

	json.NewEncoder(w).Encode(src)
}

// VisitSourceHandler fetches a webpage, extracts its visible text and returns
// the created source record.
func (h *APIHandler) VisitSourceHandler(w http.ResponseWriter, r *http.Request) {
	st := h.sessionFor(r)

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeJSONError(w, http.StatusBadRequest, "URL is required")
		return
	}

	pageURL := r.FormValue("url")
	if pageURL == "" {
		writeJSONError(w, http.StatusBadRequest, "URL is required")
		return
	}

	src, err := st.AddURL(r.Context(), pageURL)
	if err != nil {
		log.Printf("Error processing URL %s: %v", pageURL, err)
		writeJSONError(w, http.StatusInternalServerError, "Error processing URL")
		return
	}

	json.NewEncoder(w).Encode(src)
}

func (h *APIHandler) DeleteSourceHandler(w http.ResponseWriter, r *http.Request) {
	st := h.sessionFor(r)
	sourceID := chi.URLParam(r, "sourceID")

	if err := st.RemoveSource(sourceID); err != nil {
		log.Printf("Error removing source %s: %v", sourceID, err)
		http.Error(w, "Failed to remove source", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
