package sessionguard

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// maxBodySize is the maximum request body size (1MB).
const maxBodySize = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// readJSON reads and unmarshals a JSON request body.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body")
	}
	return nil
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": message,
		"code":  code,
	})
}

// writeAuthError classifies err and writes the safe message. Internal
// failures are logged with the underlying cause.
func (s *Service) writeAuthError(w http.ResponseWriter, err error) {
	ae := classify(err)
	if ae.Kind == KindInternal {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, ae.Kind.Status(), ae.Code, ae.Message)
}

// Request types for the HTTP surface.

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the body of POST /token.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type twoFAVerifyRequest struct {
	Code string `json:"code"`
}

type twoFADisableRequest struct {
	Code string `json:"code"`
}

type adminUserRequest struct {
	Email string `json:"email"`
}

type attestationRequest struct {
	InstallationID string `json:"installation_id"`
}

type pushTokenRequest struct {
	Token    string `json:"token"`
	Provider string `json:"provider"`
}

type deliveryReceiptRequest struct {
	DispatchID        string `json:"dispatch_id"`
	Channel           string `json:"channel"`
	Status            string `json:"status"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}
