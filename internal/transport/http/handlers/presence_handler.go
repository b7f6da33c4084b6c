package handlers

import (
	"log"
	"net/http"

	"github.com/ismail-bs/team-management-sub001/internal/presence"
)

type PresenceHandler struct {
	store *presence.Store
}

func NewPresenceHandler(store *presence.Store) *PresenceHandler {
	return &PresenceHandler{store: store}
}

func (h *PresenceHandler) Online(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.OnlineUsers(r.Context())
	if err != nil {
		log.Printf("ERROR online users: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Something went wrong")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"online": users})
}
