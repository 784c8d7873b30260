package sessionguard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/migueldesapazr-gif/sessionguard/crypto"
	"github.com/migueldesapazr-gif/sessionguard/notify"
)

// ApplyReceipt verifies a signed delivery receipt and records it. Nothing
// is written unless the signature checks out.
func (d *AlertDispatcher) ApplyReceipt(ctx context.Context, tsHeader, signature string, body []byte) (*AlertDispatch, error) {
	if err := crypto.VerifySignature(d.cfg.ReceiptSecret, tsHeader, signature, body, d.clock(), d.cfg.ReceiptMaxSkew); err != nil {
		return nil, err
	}

	var req deliveryReceiptRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, newAuthError(KindValidation, CodeBadRequest, "invalid receipt body", err)
	}
	ch := notify.Channel(strings.TrimSpace(req.Channel))
	if req.DispatchID == "" || !ch.Valid() {
		return nil, newAuthError(KindValidation, CodeBadRequest, "dispatch_id and a valid channel are required", nil)
	}
	status := ReceiptStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if status != ReceiptDelivered && status != ReceiptFailed {
		return nil, newAuthError(KindValidation, CodeBadRequest, "status must be delivered or failed", nil)
	}

	rec, err := d.store.Alerts().ApplyReceipt(ctx, req.DispatchID, ch, status, d.clock())
	if err != nil {
		return nil, err
	}
	d.metrics.receiptApplied(ch, status)
	return rec, nil
}

func (s *Service) handleDeliveryReceipt(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	rec, err := s.alerts.ApplyReceipt(r.Context(), r.Header.Get(crypto.HeaderSignatureTimestamp), r.Header.Get(crypto.HeaderSignature), body)
	if err != nil {
		if isSignatureError(err) {
			s.metrics.receiptRejected()
			s.logger.Warn("delivery receipt rejected", zap.Error(err))
			writeError(w, http.StatusUnauthorized, CodeInvalidSignature, "invalid signature")
			return
		}
		s.writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dispatch_id": rec.DispatchID,
		"status":      rec.Status,
	})
}

func isSignatureError(err error) bool {
	return errors.Is(err, crypto.ErrSignatureMissing) ||
		errors.Is(err, crypto.ErrSignatureInvalid) ||
		errors.Is(err, crypto.ErrSignatureExpired) ||
		errors.Is(err, crypto.ErrNoSigningSecret)
}
