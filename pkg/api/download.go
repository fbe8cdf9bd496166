package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/tomvothecoder/simboard/pkg/api/store"
)

// handleDownloadArchive serves the retained upload archive of a
// simulation. S3 archives redirect to a presigned URL; local archives are
// streamed directly.
func (s *server) handleDownloadArchive(w http.ResponseWriter, r *http.Request) {
	sim, err := s.store.GetSimulation(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"simulation not found"})

		return
	}

	if err != nil {
		s.internalError(w, err, "Failed to get simulation")

		return
	}

	uri := archiveURI(sim)
	if uri == "" {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"no archive retained for this simulation"})

		return
	}

	u, err := url.Parse(uri)
	if err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"archive not available"})

		return
	}

	log := s.log.WithField("simulation_id", sim.ID).WithField("uri", uri)

	switch {
	case u.Scheme == "s3" && s.presigner != nil:
		signed, err := s.presigner.PresignedURL(r.Context(), uri)
		if err != nil {
			log.WithError(err).Warn("Failed to presign archive")
			writeJSON(w, http.StatusNotFound,
				errorResponse{"archive not available"})

			return
		}

		http.Redirect(w, r, signed, http.StatusTemporaryRedirect)
	case u.Scheme == "file" && s.localArchives != nil:
		if err := s.localArchives.ServeArchive(w, r, uri); err != nil {
			log.WithError(err).Warn("Failed to serve archive")
			writeJSON(w, http.StatusNotFound,
				errorResponse{"archive not available"})
		}
	default:
		writeJSON(w, http.StatusNotFound,
			errorResponse{"archive not available"})
	}
}

// archiveURI returns the URI of the newest archive artifact, or "".
func archiveURI(sim *store.Simulation) string {
	uri := ""

	for _, a := range sim.Artifacts {
		if a.Kind == store.ArtifactArchive {
			uri = a.URI
		}
	}

	return uri
}
