package httpx

import (
	"net/http"

	"surety/pkg/fault"
)

// WriteFault renders a domain fault with its HTTP mapping: value faults are
// bad requests, authorization faults are forbidden, state faults conflict.
// Consensus faults are not errors at the transport level; the submission was
// well-formed but did not count, so they render 200 with accepted=false.
// Anything unclassified is a 500.
func WriteFault(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch fault.Kind(err) {
	case fault.ErrValue:
		Error(w, http.StatusBadRequest, msg)
	case fault.ErrAuthorization:
		Error(w, http.StatusForbidden, msg)
	case fault.ErrState:
		Error(w, http.StatusConflict, msg)
	case fault.ErrConsensus:
		WriteJSON(w, http.StatusOK, map[string]interface{}{"accepted": false, "error": msg})
	default:
		Error(w, http.StatusInternalServerError, msg)
	}
}
