package imap

import (
	"context"
	"errors"

	retry "github.com/StirlingMarketingGroup/go-retry"
)

// DialWithRetry is Dial with up to retries extra connection attempts.
// Only establishing the connection is retried; rejected credentials are
// returned at once so a bad password never turns into a login storm.
func DialWithRetry(ctx context.Context, cfg Config, creds Credentials, retries int) (s *Session, err error) {
	logger := cfg.Logger
	if logger == nil {
		logger = getLogger()
	}

	err = retry.Retry(func() error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s, err = Connect(ctx, cfg)
		return err
	}, retries, func(err error) error {
		var ce *ConnectError
		if errors.As(err, &ce) {
			logger.Warn("failed to connect, retrying shortly", "addr", ce.Addr, "kind", ce.Kind, "error", ce.Err)
		}
		return nil
	}, func() error {
		logger.Debug("retrying connection now", "addr", cfg.Endpoint.Addr())
		return nil
	})
	if err != nil {
		logger.Error("failed to establish connection", "addr", cfg.Endpoint.Addr(), "error", err)
		return nil, err
	}

	if s.State() == StateAuthenticated {
		return s, nil
	}
	// Authenticate after connection is established - no retry for auth failures
	if err = s.Login(ctx, creds); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
