package ws

import (
	"encoding/json"
	goerrors "errors"
	"net/http"

	"chathub/contract"
	"chathub/domain"
	"chathub/errors"
	"chathub/observability"
	"chathub/runtime"

	"github.com/gorilla/mux"
)

// NewServer wires the operational HTTP surface: the websocket endpoint,
// liveness, metrics, the explicit room creation/deletion calls, and
// the pinned-message listing.
func NewServer(handler *Handler, stats *observability.Stats,
	rooms *runtime.RoomManager, registry *runtime.Registry,
	store contract.MessageStore) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/ws", handler)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := "ok"
		if registry.Draining() {
			status = "draining"
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}).Methods(http.MethodGet)

	r.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, stats.Snapshot())
	}).Methods(http.MethodGet)

	// Room creation is explicit: a join never creates a room on the fly.
	r.HandleFunc("/rooms/{room}", func(w http.ResponseWriter, req *http.Request) {
		roomID := domain.RoomID(mux.Vars(req)["room"])
		if err := rooms.Create(roomID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"room": string(roomID)})
	}).Methods(http.MethodPost)

	r.HandleFunc("/rooms/{room}", func(w http.ResponseWriter, req *http.Request) {
		roomID := domain.RoomID(mux.Vars(req)["room"])
		if err := rooms.Delete(roomID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"room": string(roomID)})
	}).Methods(http.MethodDelete)

	r.HandleFunc("/rooms/{room}/pins", func(w http.ResponseWriter, req *http.Request) {
		roomID := domain.RoomID(mux.Vars(req)["room"])
		pinned, err := store.Pinned(roomID)
		if err != nil {
			writeError(w, err)
			return
		}
		payloads := make([]MessagePayload, 0, len(pinned))
		for _, msg := range pinned {
			payloads = append(payloads, toMessagePayload(msg))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"room": string(roomID),
			"pins": payloads,
		})
	}).Methods(http.MethodGet)

	return r
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.Kind(err) {
	case errors.KindRoomNotFound:
		status = http.StatusNotFound
	case errors.KindCapacityExceeded:
		status = http.StatusConflict
	case errors.KindStorage:
		status = http.StatusServiceUnavailable
	}
	if goerrors.Is(err, errors.ErrRoomExists) || goerrors.Is(err, errors.ErrRoomNotEmpty) {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"kind": errors.Kind(err), "detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
