// Package admin provisions accounts and adjusts balances. Every route
// requires the X-Admin-Secret header.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/vnmchuo/imagegen-gateway/internal/auth"
	"github.com/vnmchuo/imagegen-gateway/internal/httpjson"
	"github.com/vnmchuo/imagegen-gateway/internal/ledger"
)

const (
	SecretHeader  = "X-Admin-Secret"
	maxBody       = 64 << 10
	tokenAttempts = 3
)

type Handler struct {
	secret   string
	tokens   auth.TokenStore
	accounts ledger.Store
	log      logrus.FieldLogger
}

func NewHandler(secret string, tokens auth.TokenStore, accounts ledger.Store, log logrus.FieldLogger) *Handler {
	return &Handler{secret: secret, tokens: tokens, accounts: accounts, log: log}
}

// Routes mounts the admin endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireSecret)
	r.Post("/create-token", h.HandleCreateToken)
	r.Post("/credit", h.HandleCredit)
	return r
}

// requireSecret rejects every request when no admin secret is configured.
func (h *Handler) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(SecretHeader)
		if h.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			httpjson.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createTokenRequest struct {
	Plan           string `json:"plan"`
	InitialCredits int64  `json:"initialCredits"`
}

type createTokenResponse struct {
	OK      bool   `json:"ok"`
	Token   string `json:"token"`
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
	Plan    string `json:"plan"`
}

func (h *Handler) HandleCreateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createTokenRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.InitialCredits < 0 {
		httpjson.Error(w, http.StatusBadRequest, "initialCredits must not be negative")
		return
	}
	plan := strings.TrimSpace(req.Plan)
	if plan == "" {
		plan = ledger.DefaultPlan
	}

	acct := &ledger.Account{ID: auth.NewUserID(), Balance: req.InitialCredits, Plan: plan}
	if err := h.accounts.Create(ctx, acct); err != nil {
		h.log.WithError(err).Error("failed to create account")
		httpjson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, err := h.saveNewToken(ctx, acct.ID)
	if err != nil {
		// the account exists with no way to log in; an operator must reissue
		h.log.WithError(err).WithFields(logrus.Fields{
			"user_id": acct.ID,
			"balance": acct.Balance,
			"plan":    plan,
		}).Error("orphaned account: created without an access token")
		httpjson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.log.WithFields(logrus.Fields{
		"user_id": acct.ID,
		"plan":    plan,
		"balance": acct.Balance,
	}).Info("account created")

	httpjson.Write(w, http.StatusOK, createTokenResponse{
		OK:      true,
		Token:   token,
		UserID:  acct.ID,
		Balance: acct.Balance,
		Plan:    plan,
	})
}

// saveNewToken issues a token for userID, drawing a fresh one on collision.
func (h *Handler) saveNewToken(ctx context.Context, userID string) (string, error) {
	var err error
	for attempt := 0; attempt < tokenAttempts; attempt++ {
		token := auth.NewAccessToken()
		err = h.tokens.Save(ctx, token, userID)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, auth.ErrTokenExists) {
			return "", err
		}
	}
	return "", err
}

type creditRequest struct {
	Token  string `json:"token"`
	Amount int64  `json:"amount"`
}

type creditResponse struct {
	OK      bool   `json:"ok"`
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

// HandleCredit applies a signed adjustment; the balance never goes below zero.
func (h *Handler) HandleCredit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req creditRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		httpjson.Error(w, http.StatusBadRequest, "missing token")
		return
	}
	if req.Amount == 0 {
		httpjson.Error(w, http.StatusBadRequest, "amount must be a non-zero integer")
		return
	}

	userID, err := h.tokens.Resolve(ctx, req.Token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenNotFound) {
			httpjson.Error(w, http.StatusNotFound, "token not found")
			return
		}
		h.log.WithError(err).Error("token lookup failed")
		httpjson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	balance, err := h.accounts.Adjust(ctx, userID, req.Amount)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			httpjson.Error(w, http.StatusNotFound, "account not found")
			return
		}
		h.log.WithError(err).WithField("user_id", userID).Error("credit adjustment failed")
		httpjson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.log.WithFields(logrus.Fields{
		"user_id": userID,
		"amount":  req.Amount,
		"balance": balance,
	}).Info("credits adjusted")

	httpjson.Write(w, http.StatusOK, creditResponse{OK: true, UserID: userID, Balance: balance})
}

// decodeOptional treats an empty body as {}.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		httpjson.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
