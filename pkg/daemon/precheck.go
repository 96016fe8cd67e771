package daemon

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukahub/dukasync/pkg/config"
	"github.com/dukahub/dukasync/pkg/storage"
)

// openStore opens the embedded database and proves it can serve reads
// before any subsystem depends on it. A held file lock or a corrupt file
// is retried with exponential backoff from the configured base delay;
// SKIP_DB_PRECHECK drops the probe and the retries but still opens.
func openStore(cfg *config.Config, logger zerolog.Logger) (storage.Store, error) {
	path := cfg.StorePath()

	if cfg.SkipDBPrecheck {
		logger.Warn().Str("path", path).Msg("database precheck skipped")
		st, err := storage.NewBoltStore(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPrecheck, err)
		}
		return st, nil
	}

	attempts := cfg.DBPrecheckAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := cfg.DBPrecheckBaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := base << (attempt - 1)
			logger.Warn().
				Err(lastErr).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Str("path", path).
				Msg("database precheck failed, retrying")
			time.Sleep(delay)
		}

		st, err := storage.NewBoltStore(path)
		if err != nil {
			lastErr = err
			continue
		}
		if err := st.Ping(); err != nil {
			lastErr = err
			_ = st.Close()
			continue
		}
		return st, nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrPrecheck, attempts, lastErr)
}
