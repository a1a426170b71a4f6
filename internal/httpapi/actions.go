package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"pkt.systems/bapd/api"
	"pkt.systems/bapd/internal/beckn"
	"pkt.systems/bapd/internal/correlation"
	"pkt.systems/bapd/internal/registry"
	"pkt.systems/bapd/internal/relay"
	"pkt.systems/bapd/internal/txstore"
	"pkt.systems/bapd/internal/upstream"
)

// handleSearch godoc
// @Summary      Search for mentorships
// @Description  Builds a search intent and forwards it to the configured gateway. Both ids are generated; results arrive later as on_search frames on the websocket.
// @Tags         action
// @Accept       json
// @Produce      json
// @Param        request  body      api.SearchRequest  true  "Search parameters"
// @Success      200      {object}  api.ActionResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      503      {object}  api.ErrorResponse
// @Router       /search [post]
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) error {
	var req api.SearchRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	title := strings.TrimSpace(req.SessionTitle)
	if title == "" {
		return invalidBody("sessionTitle required")
	}
	if h.gatewayURL == "" {
		return httpError{Status: http.StatusServiceUnavailable, Code: "gateway_unconfigured", Detail: "no search gateway configured"}
	}
	txn := correlation.Generate()
	msg := correlation.Generate()
	env := h.builder.Search(txn, msg, title)
	h.forward(r, h.gatewayURL, txn, env)
	writeJSON(w, http.StatusOK, api.ActionResponse{MessageID: msg, TransactionID: txn})
	return nil
}

// handleSelect godoc
// @Summary      Select an item
// @Description  Forwards a select order to the provider at bppUri. A missing messageId is generated.
// @Tags         action
// @Accept       json
// @Produce      json
// @Param        request  body      api.SelectRequest  true  "Selection"
// @Success      200      {object}  api.ActionResponse
// @Failure      400      {object}  api.ErrorResponse
// @Router       /select [post]
func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) error {
	var req api.SelectRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	txn, msg, err := requireIDs(req.TransactionID, req.MessageID)
	if err != nil {
		return err
	}
	target, err := upstream.ActionURL(req.BppURI, beckn.ActionSelect)
	if err != nil {
		return invalidBody(err.Error())
	}
	h.forward(r, target, txn, h.builder.Select(txn, msg, req.ItemID))
	writeJSON(w, http.StatusOK, api.ActionResponse{MessageID: msg, TransactionID: txn})
	return nil
}

// handleInit godoc
// @Summary      Initialise an order
// @Description  Forwards an init order with the applicant's billing details to the provider at bppUri.
// @Tags         action
// @Accept       json
// @Produce      json
// @Param        request  body      api.InitRequest  true  "Order details"
// @Success      200      {object}  api.ActionResponse
// @Failure      400      {object}  api.ErrorResponse
// @Router       /init [post]
func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) error {
	var req api.InitRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	txn, msg, err := requireIDs(req.TransactionID, req.MessageID)
	if err != nil {
		return err
	}
	target, err := upstream.ActionURL(req.BppURI, beckn.ActionInit)
	if err != nil {
		return invalidBody(err.Error())
	}
	h.forward(r, target, txn, h.builder.Init(txn, msg, enrollment(req)))
	writeJSON(w, http.StatusOK, api.ActionResponse{MessageID: msg, TransactionID: txn})
	return nil
}

// handleConfirm records the user context for the transaction before the
// order is forwarded, so the on_confirm callback can always find it.
// @Summary      Confirm an order
// @Description  Stores name, email and title under transactionId, then forwards the confirm order. In transaction routing mode sessionId binds later callbacks to that websocket session.
// @Tags         action
// @Accept       json
// @Produce      json
// @Param        request  body      api.InitRequest  true  "Order details"
// @Success      200      {object}  api.ActionResponse
// @Failure      400      {object}  api.ErrorResponse
// @Router       /confirm [post]
func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) error {
	var req api.InitRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	txn, msg, err := requireIDs(req.TransactionID, req.MessageID)
	if err != nil {
		return err
	}
	target, err := upstream.ActionURL(req.BppURI, beckn.ActionConfirm)
	if err != nil {
		return invalidBody(err.Error())
	}
	entry := txstore.Entry{
		Name:          req.Name,
		Email:         req.EmailID,
		MessageID:     msg,
		TransactionID: txn,
		Title:         req.MentorshipTitle,
	}
	if h.relay.Mode() == relay.ModeTransaction {
		entry.SessionID = req.SessionID
	}
	h.store.Put(txn, entry)
	h.forward(r, target, txn, h.builder.Confirm(txn, msg, enrollment(req)))
	writeJSON(w, http.StatusOK, api.ActionResponse{MessageID: msg, TransactionID: txn})
	return nil
}

// handleHealth godoc
// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.HealthResponse
// @Router       /health [get]
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "UP"})
	return nil
}

// handlePDF godoc
// @Summary      Download a credential
// @Description  Fetches the rendered proof-of-association certificate from the registry.
// @Tags         system
// @Produce      application/pdf
// @Param        id   path      string  true  "Credential id"
// @Success      200  {file}    binary
// @Failure      404  {object}  api.ErrorResponse
// @Failure      502  {object}  api.ErrorResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /pdf/{id} [get]
func (h *Handler) handlePDF(w http.ResponseWriter, r *http.Request) error {
	if h.registry == nil {
		return httpError{Status: http.StatusServiceUnavailable, Code: "registry_unconfigured"}
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_id", Detail: "certificate id required"}
	}
	data, contentType, err := h.registry.FetchPDF(r.Context(), id)
	if err != nil {
		var statusErr *registry.StatusError
		switch {
		case errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound:
			return httpError{Status: http.StatusNotFound, Code: "certificate_not_found", Detail: id}
		case errors.As(err, &statusErr):
			return httpError{Status: http.StatusBadGateway, Code: "registry_error", Detail: statusErr.Error()}
		case errors.Is(err, registry.ErrUnavailable):
			return httpError{Status: http.StatusBadGateway, Code: "registry_unavailable", Detail: err.Error()}
		default:
			return err
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	return nil
}

func (h *Handler) forward(r *http.Request, target, txn string, env beckn.Envelope) {
	ctx := correlation.WithTransaction(r.Context(), txn)
	h.requestLogger(ctx).Info("upstream.forward", "target", target, "action", env.Context.Action, "transaction_id", txn)
	h.upstream.Dispatch(ctx, target, env)
}

func requireIDs(txn, msg string) (string, string, error) {
	txn, ok := correlation.Normalize(txn)
	if !ok {
		return "", "", invalidBody("transactionId required")
	}
	if msg = strings.TrimSpace(msg); msg == "" {
		msg = correlation.Generate()
	}
	return txn, msg, nil
}

func enrollment(req api.InitRequest) beckn.Enrollment {
	return beckn.Enrollment{
		ItemID:        req.ItemID,
		FulfillmentID: req.FulfillmentID,
		Name:          req.Name,
		Email:         req.EmailID,
		Phone:         req.Phone,
		Card:          req.Card,
	}
}
