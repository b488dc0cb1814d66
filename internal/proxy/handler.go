package proxy

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/imagegen-gateway/internal/auth"
	"github.com/vnmchuo/imagegen-gateway/internal/billing"
	"github.com/vnmchuo/imagegen-gateway/internal/coordinator"
	"github.com/vnmchuo/imagegen-gateway/internal/httpjson"
	"github.com/vnmchuo/imagegen-gateway/internal/ledger"
)

// inline reference images make generate bodies large
const maxGenerateBody = 32 << 20

// Generator is the slice of the coordinator the handler needs.
type Generator interface {
	ParseRequest(body []byte) (*coordinator.Request, error)
	Generate(ctx context.Context, userID string, req *coordinator.Request) (*coordinator.Result, error)
}

type Handler struct {
	generator Generator
	accounts  ledger.Store
	billing   billing.Store
	tracer    trace.Tracer
	log       logrus.FieldLogger
}

func NewHandler(generator Generator, accounts ledger.Store, billing billing.Store, tracer trace.Tracer, log logrus.FieldLogger) *Handler {
	return &Handler{
		generator: generator,
		accounts:  accounts,
		billing:   billing,
		tracer:    tracer,
		log:       log,
	}
}

type generateResponse struct {
	OK bool `json:"ok"`
	*coordinator.Result
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("http_request_id", auth.GetRequestID(ctx)),
	)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGenerateBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpjson.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httpjson.Error(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	req, err := h.generator.ParseRequest(body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	span.SetAttributes(attribute.String("request_id", req.RequestID), attribute.String("model", req.Model))

	res, err := h.generator.Generate(ctx, userID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	httpjson.Write(w, http.StatusOK, generateResponse{OK: true, Result: res})
}

// writeError renders a coordinator failure with the status of its kind.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ce *coordinator.Error
	if !errors.As(err, &ce) {
		h.log.WithError(err).Error("unclassified generation error")
		ce = &coordinator.Error{Kind: coordinator.KindInternal, Message: "internal error", Err: err}
	}

	resp := map[string]interface{}{
		"ok":    false,
		"error": ce.Message,
	}
	switch ce.Kind {
	case coordinator.KindInsufficientCredits:
		resp["needed"] = ce.Needed
		resp["balance"] = ce.Balance
	case coordinator.KindRateLimited:
		if ce.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ce.RetryAfter.Seconds()))))
		}
	case coordinator.KindProvider, coordinator.KindInternal:
		resp["refunded"] = ce.Refunded
	}

	httpjson.Write(w, ce.Kind.HTTPStatus(), resp)
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	acct, err := h.accounts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			httpjson.Error(w, http.StatusNotFound, "account not found")
			return
		}
		h.log.WithError(err).WithField("user_id", userID).Error("balance lookup failed")
		httpjson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	httpjson.Write(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"balance": acct.Balance,
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Parse query parameters
	now := time.Now()
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			httpjson.Error(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}

	if toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			httpjson.Error(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	if from.After(to) {
		httpjson.Error(w, http.StatusBadRequest, "'from' must not be after 'to'")
		return
	}

	logs, err := h.billing.GetGenerationsByUser(ctx, userID, from, to)
	if err != nil {
		h.log.WithError(err).Error("usage query failed")
		httpjson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	totalCharged, err := h.billing.GetTotalChargedByUser(ctx, userID, from, to)
	if err != nil {
		h.log.WithError(err).Error("usage total query failed")
		httpjson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	if logs == nil {
		logs = []*billing.GenerationLog{}
	}
	httpjson.Write(w, http.StatusOK, map[string]interface{}{
		"ok":            true,
		"userId":        userID,
		"totalRequests": len(logs),
		"totalCharged":  totalCharged,
		"logs":          logs,
		"from":          from,
		"to":            to,
	})
}
