package server

import (
	"net/http"

	"visa-bulletin-notifier/notify"
)

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}
	email := notify.NormalizeEmail(r.FormValue("email"))
	if !notify.IsValidEmail(email) {
		data := s.page(r, s.checker.Check(r.Context()))
		data.Error = "Invalid email address"
		s.render(w, http.StatusBadRequest, data)
		return
	}

	found, err := s.subscriptions.Unsubscribe(r.Context(), email)
	if err != nil {
		s.logger.Error("Failed to delete subscription", "email", email, "error", err)
		http.Error(w, "Failed to unsubscribe", http.StatusInternalServerError)
		return
	}

	data := s.page(r, s.checker.Check(r.Context()))
	if found {
		data.Message = "Unsubscribed: " + email
	} else {
		data.Message = "Not subscribed: " + email
	}

	clearEmailCookie(w)
	data.SavedEmail = ""
	s.render(w, http.StatusOK, data)
}
