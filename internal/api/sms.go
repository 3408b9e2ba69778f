package api

import (
	"net/http"
)

// handleSMSWebhook accepts inbound SMS deliveries from the gateway.
//
// The gateway posts form fields From and Body (Twilio-compatible). The
// response is plain text: the gateway relays it back to the sender
// verbatim, so this endpoint never returns JSON or an error status for
// rejected messages.
func (s *Server) handleSMSWebhook(w http.ResponseWriter, r *http.Request) {
	if s.sms == nil {
		http.Error(w, "offline channel not configured", http.StatusServiceUnavailable)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}
	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	if body == "" {
		http.Error(w, "missing Body field", http.StatusBadRequest)
		return
	}

	reply := s.sms.HandleMessage(r.Context(), from, body)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response
	w.Write([]byte(reply))
}
