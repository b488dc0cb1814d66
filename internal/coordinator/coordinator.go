// Package coordinator runs one paid generation end to end: rate check,
// duplicate suppression, debit, provider call and refund on failure.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/imagegen-gateway/internal/billing"
	"github.com/vnmchuo/imagegen-gateway/internal/idempotency"
	"github.com/vnmchuo/imagegen-gateway/internal/ledger"
	"github.com/vnmchuo/imagegen-gateway/internal/pricing"
	"github.com/vnmchuo/imagegen-gateway/internal/provider"
	"github.com/vnmchuo/imagegen-gateway/pkg/logging"
	"github.com/vnmchuo/imagegen-gateway/pkg/ratelimit"
)

// DefaultRefundTimeout bounds the refund path, which runs detached from the
// caller's context.
const DefaultRefundTimeout = 10 * time.Second

// Guard suppresses duplicate request ids.
type Guard interface {
	Acquire(ctx context.Context, userID, requestID string, charged int64) error
	Release(ctx context.Context, userID, requestID string) error
}

// Recorder receives a history entry for every debited generation.
type Recorder interface {
	Enqueue(ctx context.Context, log *billing.GenerationLog) error
}

// Request is a parsed, priced generation request.
type Request struct {
	RequestID        string             `json:"requestId"`
	Model            string             `json:"model"`
	ImageSize        string             `json:"imageSize"`
	CandidateCount   int                `json:"candidateCount"`
	Instruction      string             `json:"instruction"`
	Prompt           string             `json:"prompt"`
	Parts            []provider.RawPart `json:"parts"`
	GenerationConfig json.RawMessage    `json:"generationConfig"`
	Tools            json.RawMessage    `json:"tools"`

	Quote pricing.Quote `json:"-"`
}

// Result is the outcome of a completed generation. Images may be empty when
// the provider blocked the content; the charge stands in that case.
type Result struct {
	RequestID       string   `json:"requestId"`
	ChargedCredits  int64    `json:"chargedCredits"`
	PerImageCredits int64    `json:"perImageCredits"`
	Images          []string `json:"images"`
	FinishReason    string   `json:"finishReason"`
	Balance         int64    `json:"balance"`
}

type Deps struct {
	Pricing  *pricing.Calculator
	Limiter  ratelimit.Allower
	Guard    Guard
	Ledger   ledger.Store
	Provider provider.ImageProvider
	Recorder Recorder
	Tracer   trace.Tracer
	Logger   logrus.FieldLogger
}

type Coordinator struct {
	pricing       *pricing.Calculator
	limiter       ratelimit.Allower
	guard         Guard
	ledger        ledger.Store
	provider      provider.ImageProvider
	recorder      Recorder
	tracer        trace.Tracer
	log           logrus.FieldLogger
	refundTimeout time.Duration
}

func New(d Deps) *Coordinator {
	c := &Coordinator{
		pricing:       d.Pricing,
		limiter:       d.Limiter,
		guard:         d.Guard,
		ledger:        d.Ledger,
		provider:      d.Provider,
		recorder:      d.Recorder,
		tracer:        d.Tracer,
		log:           d.Logger,
		refundTimeout: DefaultRefundTimeout,
	}
	if c.pricing == nil {
		c.pricing = pricing.NewCalculator(pricing.DefaultTable())
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("coordinator")
	}
	if c.log == nil {
		c.log = logging.Discard()
	}
	return c
}

// ParseRequest decodes and prices a request body. It touches no store, so a
// malformed or unpriceable request fails before anything is mutated.
func (c *Coordinator) ParseRequest(body []byte) (*Request, error) {
	// candidateCount arrives as a number, a numeric string or junk
	var wire struct {
		Request
		CandidateCount json.RawMessage `json:"candidateCount"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, newError(KindValidation, "invalid JSON body", err)
	}
	req := wire.Request
	req.CandidateCount = coerceCount(wire.CandidateCount)

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Model = strings.TrimSpace(req.Model)
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.Instruction = strings.TrimSpace(req.Instruction)

	switch {
	case req.Model == "":
		return nil, newError(KindValidation, "missing model", nil)
	case req.Prompt == "":
		return nil, newError(KindValidation, "missing prompt", nil)
	case req.Instruction == "":
		return nil, newError(KindValidation, "missing instruction", nil)
	}

	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	req.GenerationConfig = nonNull(req.GenerationConfig)
	req.Tools = nonNull(req.Tools)

	quote, err := c.pricing.Quote(req.Model, req.ImageSize, req.CandidateCount)
	if err != nil {
		if errors.Is(err, pricing.ErrUnsupportedModel) {
			return nil, newError(KindUnsupportedModel, "unsupported model: "+req.Model, err)
		}
		return nil, newError(KindValidation, "cannot price request", err)
	}
	req.Quote = quote
	req.ImageSize = string(quote.Size)
	req.CandidateCount = quote.CandidateCount

	return &req, nil
}

// coerceCount reads a candidate count leniently. Anything that is not a
// number yields 0, which pricing turns into the default of one image.
func coerceCount(raw json.RawMessage) int {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	switch {
	case math.IsNaN(f) || f < 1:
		return 0
	case f > pricing.MaxCandidates:
		return pricing.MaxCandidates
	}
	return int(f)
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// Generate runs a parsed request for userID. The charge is debited before the
// provider is called; a provider failure refunds it exactly once and frees
// the request id for a retry.
func (c *Coordinator) Generate(ctx context.Context, userID string, req *Request) (res *Result, err error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.generate")
	defer span.End()

	model := ""
	if req != nil {
		model = req.Model
		span.SetAttributes(
			attribute.String("user_id", userID),
			attribute.String("request_id", req.RequestID),
			attribute.String("model", req.Model),
			attribute.Int64("charge", req.Quote.Total),
		)
	}

	defer func() {
		outcome := "success"
		if err != nil {
			outcome = KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		generationsTotal.WithLabelValues(model, outcome).Inc()
	}()

	if userID == "" {
		return nil, newError(KindAuth, "unauthorized", nil)
	}
	if req == nil || req.Quote.Total <= 0 {
		return nil, newError(KindValidation, "request was not priced", nil)
	}

	log := c.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"request_id": req.RequestID,
		"model":      req.Model,
	})
	charge := req.Quote.Total

	decision, err := c.limiter.Allow(ctx, userID)
	if err != nil {
		return nil, newError(KindInternal, "rate limiter unavailable", err)
	}
	if !decision.Allowed {
		return nil, &Error{
			Kind:       KindRateLimited,
			Message:    "rate limit exceeded",
			RetryAfter: decision.RetryAfter,
			Err:        decision.Err(),
		}
	}

	if err := c.guard.Acquire(ctx, userID, req.RequestID, charge); err != nil {
		if errors.Is(err, idempotency.ErrDuplicateRequest) {
			return nil, newError(KindDuplicate, "duplicate requestId", err)
		}
		return nil, newError(KindInternal, "idempotency check failed", err)
	}

	balance, err := c.ledger.Debit(ctx, userID, charge)
	if err != nil {
		// nothing was charged; let the client retry under the same id
		c.release(ctx, log, userID, req.RequestID)

		var insufficient *ledger.InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			return nil, &Error{
				Kind:    KindInsufficientCredits,
				Message: "insufficient credits",
				Needed:  insufficient.Needed,
				Balance: insufficient.Balance,
				Err:     err,
			}
		case errors.Is(err, ledger.ErrAccountNotFound):
			return nil, newError(KindAccountNotFound, "account not found", err)
		default:
			return nil, newError(KindInternal, "debit failed", err)
		}
	}
	creditsCharged.WithLabelValues(req.Model).Add(float64(charge))
	log.WithFields(logrus.Fields{"charged": charge, "balance": balance}).Info("credits debited")

	entry := &billing.GenerationLog{
		UserID:         userID,
		RequestID:      req.RequestID,
		Model:          req.Model,
		ImageSize:      req.ImageSize,
		CandidateCount: req.CandidateCount,
		ChargedCredits: charge,
	}

	resp, failure := c.invoke(ctx, req)
	if failure != nil {
		failure = c.rollback(ctx, log, userID, req, failure)
		entry.Refunded = failure.Refunded
		entry.StatusCode = failure.Kind.HTTPStatus()
		c.record(ctx, log, entry)
		return nil, failure
	}

	// re-read so the client sees concurrent refunds and top-ups
	if acct, err := c.ledger.Get(ctx, userID); err == nil {
		balance = acct.Balance
	} else {
		log.WithError(err).Warn("balance re-read failed, reporting post-debit balance")
	}

	images := resp.Images
	if images == nil {
		images = []string{}
	}
	if len(images) == 0 {
		log.WithField("finish_reason", resp.FinishReason).Info("provider returned no images, charge kept")
	}

	entry.FinishReason = resp.FinishReason
	entry.ImageCount = len(images)
	entry.StatusCode = 200
	entry.LatencyMs = resp.LatencyMs
	c.record(ctx, log, entry)

	return &Result{
		RequestID:       req.RequestID,
		ChargedCredits:  charge,
		PerImageCredits: req.Quote.PerImage,
		Images:          images,
		FinishReason:    resp.FinishReason,
		Balance:         balance,
	}, nil
}

// invoke calls the provider and converts every failure, panics included,
// into an *Error. Once debited the call ignores the caller's cancellation;
// the provider's own timeout bounds it.
func (c *Coordinator) invoke(ctx context.Context, req *Request) (resp *provider.Response, failure *Error) {
	ctx, span := c.tracer.Start(context.WithoutCancel(ctx), "provider.generate")
	defer span.End()

	start := time.Now()
	defer func() {
		providerLatency.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			resp = nil
			failure = newError(KindInternal, "internal error", fmt.Errorf("provider panic: %v", r))
		}
	}()

	resp, err := c.provider.Generate(ctx, &provider.Request{
		Model:            req.Model,
		Instruction:      req.Instruction,
		Prompt:           req.Prompt,
		Parts:            req.Parts,
		GenerationConfig: req.GenerationConfig,
		Tools:            req.Tools,
		RequestID:        req.RequestID,
	})
	if err != nil {
		span.RecordError(err)
		msg := "provider error"
		var pe *provider.Error
		if errors.As(err, &pe) {
			switch {
			case pe.StatusCode == 0:
				// transport failures carry upstream addresses
				msg = "provider unavailable"
			case pe.Message != "":
				msg = pe.Message
			}
		}
		return nil, newError(KindProvider, msg, err)
	}
	if resp == nil {
		return nil, newError(KindProvider, "empty provider response", nil)
	}
	return resp, nil
}

// rollback returns the charge and removes the idempotency record. It runs on
// a context detached from the caller so a disconnected client cannot leave
// the debit in place.
func (c *Coordinator) rollback(ctx context.Context, log logrus.FieldLogger, userID string, req *Request, cause *Error) *Error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refundTimeout)
	defer cancel()

	balance, err := c.ledger.Refund(ctx, userID, req.Quote.Total)
	if err != nil {
		refundFailures.Inc()
		// the record stays so a retry under this id is not charged twice
		log.WithError(err).WithFields(logrus.Fields{
			"amount": req.Quote.Total,
			"cause":  cause.Error(),
		}).Error("refund failed, manual reconciliation required")
		return &Error{Kind: KindInternal, Message: "refund failed", Err: errors.Join(cause, err)}
	}
	creditsRefunded.WithLabelValues(req.Model).Add(float64(req.Quote.Total))

	if err := c.guard.Release(ctx, userID, req.RequestID); err != nil {
		log.WithError(err).Warn("failed to release idempotency record after refund")
	}

	log.WithFields(logrus.Fields{
		"refunded": req.Quote.Total,
		"balance":  balance,
		"cause":    cause.Error(),
	}).Warn("generation failed, credits refunded")

	cause.Refunded = true
	return cause
}

func (c *Coordinator) release(ctx context.Context, log logrus.FieldLogger, userID, requestID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refundTimeout)
	defer cancel()
	if err := c.guard.Release(ctx, userID, requestID); err != nil {
		log.WithError(err).Warn("failed to release idempotency record")
	}
}

func (c *Coordinator) record(ctx context.Context, log logrus.FieldLogger, entry *billing.GenerationLog) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Enqueue(ctx, entry); err != nil {
		log.WithError(err).Debug("generation log not recorded")
	}
}
