package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/banshee-data/modelsweep/internal/httputil"
	"github.com/banshee-data/modelsweep/internal/modelstore"
)

// uploadModel installs the zip in the request body as model ?name=.
func (s *Server) uploadModel(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		httputil.BadRequest(w, "missing 'name' parameter")
		return
	}

	archive, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxModelUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.RequestTooLarge(w, fmt.Sprintf("model archive exceeds %d bytes", MaxModelUploadBytes))
			return
		}
		httputil.BadRequest(w, fmt.Sprintf("failed to read model archive: %v", err))
		return
	}
	if len(archive) == 0 {
		httputil.BadRequest(w, "empty model archive")
		return
	}

	entry, err := s.models.AddModel(name, archive)
	switch {
	case errors.Is(err, modelstore.ErrModelExists):
		httputil.Conflict(w, err.Error())
		return
	case err != nil:
		// Everything else AddModel rejects is a property of the upload.
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, entry)
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.models.List())
}
