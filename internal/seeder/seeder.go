package seeder

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/vnmchuo/imagegen-gateway/internal/auth"
	"github.com/vnmchuo/imagegen-gateway/internal/ledger"
)

const (
	TestAccessToken = "NB-00000000-TEST"
	TestUserID      = "u_00000000-0000-0000-0000-000000000001"
	TestCredits     = 1000
)

// SeedTestAccount creates a funded development account and its access token.
// Running it again leaves existing data alone.
func SeedTestAccount(ctx context.Context, accounts ledger.Store, tokens auth.TokenStore, log logrus.FieldLogger) error {
	err := accounts.Create(ctx, &ledger.Account{ID: TestUserID, Balance: TestCredits, Plan: ledger.DefaultPlan})
	switch {
	case errors.Is(err, ledger.ErrAccountExists):
		log.Info("[Seeder] test account already exists, skipping")
	case err != nil:
		return err
	}

	err = tokens.Save(ctx, TestAccessToken, TestUserID)
	switch {
	case errors.Is(err, auth.ErrTokenExists):
		log.Info("[Seeder] test access token already exists, skipping")
		return nil
	case err != nil:
		return err
	}

	log.WithFields(logrus.Fields{
		"token":   TestAccessToken,
		"user_id": TestUserID,
		"credits": TestCredits,
	}).Info("[Seeder] test account created")
	return nil
}
