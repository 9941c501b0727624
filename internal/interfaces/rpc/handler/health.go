package rpc_handler

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

type healthReply struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func NewHealthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(healthReply{"ok", version}); err != nil {
			log.WithError(err).Warn("health handler: failed to write response")
		}
	}
}
