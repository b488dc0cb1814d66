package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vnmchuo/imagegen-gateway/internal/httpjson"
	"github.com/vnmchuo/imagegen-gateway/internal/ledger"
)

const maxLoginBody = 64 << 10

// LoginHandler exchanges an access token and device id for a session token.
type LoginHandler struct {
	tokens     TokenStore
	accounts   ledger.Store
	sessions   *Sessions
	bindDevice bool
	log        logrus.FieldLogger
}

func NewLoginHandler(tokens TokenStore, accounts ledger.Store, sessions *Sessions, bindDevice bool, log logrus.FieldLogger) *LoginHandler {
	return &LoginHandler{
		tokens:     tokens,
		accounts:   accounts,
		sessions:   sessions,
		bindDevice: bindDevice,
		log:        log,
	}
}

type loginRequest struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
}

type loginUser struct {
	ID   string `json:"id"`
	Plan string `json:"plan"`
}

type loginResponse struct {
	OK         bool      `json:"ok"`
	SessionJWT string    `json:"sessionJwt"`
	User       loginUser `json:"user"`
	Balance    int64     `json:"balance"`
}

func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.Token == "" {
		httpjson.Error(w, http.StatusBadRequest, "missing token")
		return
	}
	if req.DeviceID == "" {
		httpjson.Error(w, http.StatusBadRequest, "missing deviceId")
		return
	}

	userID, err := h.tokens.Resolve(ctx, req.Token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			httpjson.Error(w, http.StatusUnauthorized, "invalid token")
			return
		}
		h.log.WithError(err).Error("token lookup failed")
		httpjson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	if h.bindDevice {
		if err := h.accounts.BindDevice(ctx, userID, req.DeviceID); err != nil {
			switch {
			case errors.Is(err, ledger.ErrDeviceMismatch):
				h.log.WithField("user_id", userID).Warn("login from a second device refused")
				httpjson.Error(w, http.StatusForbidden, "token is bound to another device")
			case errors.Is(err, ledger.ErrAccountNotFound):
				httpjson.Error(w, http.StatusUnauthorized, "account not found")
			default:
				h.log.WithError(err).Error("device binding failed")
				httpjson.Error(w, http.StatusInternalServerError, "internal error")
			}
			return
		}
	}

	acct, err := h.accounts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			httpjson.Error(w, http.StatusUnauthorized, "account not found")
			return
		}
		h.log.WithError(err).Error("account lookup failed")
		httpjson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	session, err := h.sessions.Issue(acct.ID, req.DeviceID, acct.Plan)
	if err != nil {
		h.log.WithError(err).Error("failed to issue session")
		httpjson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	httpjson.Write(w, http.StatusOK, loginResponse{
		OK:         true,
		SessionJWT: session,
		User:       loginUser{ID: acct.ID, Plan: acct.Plan},
		Balance:    acct.Balance,
	})
}
