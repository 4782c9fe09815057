package server

import (
	"errors"
	"fmt"
	"net/http"

	"visa-bulletin-notifier/notify"
)

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse and validate inputs
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}
	email := notify.NormalizeEmail(r.FormValue("email"))

	res := s.checker.Check(r.Context())

	err := s.subscriptions.Subscribe(r.Context(), email, res.Notice())
	data := s.page(r, res)

	switch {
	case errors.Is(err, notify.ErrInvalidEmail):
		data.Error = "Invalid email address"
		s.render(w, http.StatusBadRequest, data)
		return
	case err != nil:
		var de *notify.DeliveryError
		if !errors.As(err, &de) {
			s.logger.Error("Failed to save subscription", "email", email, "error", err)
			data.Error = "Failed to create subscription"
			s.render(w, http.StatusInternalServerError, data)
			return
		}
		s.logger.Warn("Welcome email failed", "email", email, "removed", de.Removed, "error", err)
		if de.Removed {
			data.Error = fmt.Sprintf("The email to %s could not be sent, so the subscription was not kept.", email)
			clearEmailCookie(w)
			s.render(w, http.StatusOK, data)
			return
		}
		// The record is kept; the next check retries delivery.
		data.Error = fmt.Sprintf("Subscribed %s, but the email could not be sent. It will be retried on the next check.", email)
	default:
		data.Message = "Subscribed: " + email
	}

	s.logger.Info("Subscription created", "email", email, "edition", res.EditionKey())

	// Set cookie to remember email address
	setEmailCookie(w, email)
	data.SavedEmail = email
	s.render(w, http.StatusOK, data)
}
