package ingest

import (
	"net/http"

	"github.com/ggoodman/notify-relay/rooms"
)

type healthResponse struct {
	Status   string `json:"status"`
	Mode     string `json:"mode"`
	Rooms    int    `json:"rooms"`
	Sessions int    `json:"sessions"`
}

// Health reports liveness and local room counts. It is unauthenticated and
// is mounted outside Handler.
func Health(reg *rooms.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mode := "single"
		if reg.Clustered() {
			mode = "cluster"
		}
		st := reg.Stats()
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Mode: mode, Rooms: st.Rooms, Sessions: st.Members})
	})
}
