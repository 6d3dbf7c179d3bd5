package api

import (
	"net/http"
	"time"

	"payhooks/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"config": s.Config.Summary(),
		"kinds":  s.Receiver.Kinds.Names(),
	}
	if s.Queue != nil {
		if n, err := s.Queue.Len(r.Context()); err == nil {
			info["queueLen"] = n
		}
	}
	writeJSON(w, http.StatusOK, info)
}
