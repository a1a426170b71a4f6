package httpapi

import (
	"errors"
	"net/http"

	"pkt.systems/bapd/internal/beckn"
	"pkt.systems/bapd/internal/correlation"
	"pkt.systems/bapd/internal/issuance"
)

// relayedCallbacks are forwarded to sessions without further processing.
var relayedCallbacks = []string{"on_search", "on_select", "on_init", "on_status", "on_cancel"}

// callback relays a protocol callback and acknowledges it.
// @Summary      Receive a protocol callback
// @Description  Relays the raw callback to websocket sessions and acknowledges it. The response is always the protocol ACK once the body parses.
// @Tags         callback
// @Accept       json
// @Produce      json
// @Param        request  body      beckn.Envelope  true  "Callback envelope"
// @Success      200      {object}  beckn.Response
// @Failure      400      {object}  api.ErrorResponse
// @Router       /on_search [post]
// @Router       /on_select [post]
// @Router       /on_init [post]
// @Router       /on_status [post]
// @Router       /on_cancel [post]
func (h *Handler) callback(action string) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		raw, env, err := h.readCallback(w, r)
		if err != nil {
			return err
		}
		ctx := r.Context()
		if txn, ok := env.TransactionID(); ok {
			ctx = correlation.WithTransaction(ctx, txn)
		}
		h.relay.Relay(ctx, action, raw)
		writeJSON(w, http.StatusOK, beckn.NewAck())
		return nil
	}
}

// handleOnConfirm relays the callback, then issues the credential and relays
// the registry response. Issuance failures are logged; the counterparty is
// always acknowledged.
// @Summary      Receive an on_confirm callback
// @Description  Relays the callback, then issues a proof-of-association credential for the stored transaction and relays the registry response as on_issue.
// @Tags         callback
// @Accept       json
// @Produce      json
// @Param        request  body      beckn.Envelope  true  "Callback envelope"
// @Success      200      {object}  beckn.Response
// @Failure      400      {object}  api.ErrorResponse
// @Router       /on_confirm [post]
func (h *Handler) handleOnConfirm(w http.ResponseWriter, r *http.Request) error {
	raw, env, err := h.readCallback(w, r)
	if err != nil {
		return err
	}
	ctx := r.Context()
	txn, _ := env.TransactionID()
	if txn != "" {
		ctx = correlation.WithTransaction(ctx, txn)
	}
	h.relay.Relay(ctx, "on_confirm", raw)

	if h.issuer != nil {
		logger := h.requestLogger(ctx)
		_, err := h.issuer.Handle(ctx, env)
		var regErr *issuance.RegistryError
		switch {
		case err == nil:
		case errors.Is(err, issuance.ErrLookupMiss):
			logger.Warn("issuance.lookup_miss", "transaction_id", txn)
		case errors.Is(err, issuance.ErrMalformedPayload):
			logger.Warn("issuance.malformed_payload", "transaction_id", txn, "error", err)
		case errors.As(err, &regErr):
			logger.Error("issuance.registry.rejected", "transaction_id", txn, "status", regErr.Status, "body", regErr.Body)
		default:
			logger.Error("issuance.registry.failure", "transaction_id", txn, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, beckn.NewAck())
	return nil
}

func (h *Handler) readCallback(w http.ResponseWriter, r *http.Request) ([]byte, beckn.Envelope, error) {
	raw, err := h.readBody(w, r)
	if err != nil {
		return nil, beckn.Envelope{}, err
	}
	env, err := beckn.Decode(raw)
	if err != nil {
		return nil, beckn.Envelope{}, invalidBody(err.Error())
	}
	return raw, env, nil
}
