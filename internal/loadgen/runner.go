package loadgen

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/suspiciousleaf/chat-app/internal/config"
)

// Runner ramps up the virtual users, runs the monitor alongside them and
// processes the collected samples when all action loops finish.
type Runner struct {
	logger zerolog.Logger
	cfg    config.LoadGen
}

// NewRunner builds a runner from the environment-derived configuration.
func NewRunner(logger zerolog.Logger, cfg config.LoadGen) *Runner {
	return &Runner{logger: logger, cfg: cfg}
}

// Run executes one complete load test and returns its report.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	accounts, err := LoadAccounts(r.cfg.AccountsFile)
	if err != nil {
		return Report{}, err
	}
	if len(accounts) < r.cfg.NumUsers {
		return Report{}, fmt.Errorf("accounts file holds %d accounts, %d users requested",
			len(accounts), r.cfg.NumUsers)
	}

	testChannels := make([]string, r.cfg.NumTestChannels)
	for i := range testChannels {
		testChannels[i] = fmt.Sprintf("test_%d", i)
	}

	userCfg := UserConfig{
		URL:                 r.cfg.URL,
		WSURL:               r.cfg.WSURL,
		TestChannels:        testChannels,
		NumActions:          r.cfg.NumActions,
		DelayBeforeActions:  r.cfg.DelayBeforeActions,
		DelayBetweenActions: r.cfg.DelayBetweenActions,
	}

	monitor := NewMonitor(r.logger, Account{
		Username: r.cfg.MonitorUsername,
		Password: r.cfg.MonitorPassword,
	}, userCfg)

	monitorDone := make(chan error, 1)
	go func() { monitorDone <- monitor.Run(ctx) }()

	r.logger.Info().
		Int("users", r.cfg.NumUsers).
		Int("actions", r.cfg.NumActions).
		Int("test_channels", r.cfg.NumTestChannels).
		Dur("connection_delay", r.cfg.ConnectionDelay).
		Msg("Load run starting")
	started := time.Now()

	// One user spawned per ConnectionDelay interval.
	limiter := rate.NewLimiter(rate.Every(r.cfg.ConnectionDelay), 1)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.NumUsers; i++ {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		user := NewVirtualUser(r.logger, accounts[i], userCfg, int64(i))
		g.Go(func() error {
			user.Run(gctx)
			return nil
		})
	}

	_ = g.Wait()
	r.logger.Info().Dur("elapsed", time.Since(started)).Msg("All virtual users finished")

	// Only after every action loop completes does the monitor log out.
	monitor.Stop()
	if err := <-monitorDone; err != nil && ctx.Err() == nil {
		r.logger.Warn().Err(err).Msg("Monitor ended with error")
	}

	report := BuildReport(monitor.Samples(), RunConfig{
		NumUsers:            r.cfg.NumUsers,
		NumActions:          r.cfg.NumActions,
		NumTestChannels:     r.cfg.NumTestChannels,
		ConnectionDelay:     r.cfg.ConnectionDelay.Seconds(),
		DelayBeforeActions:  r.cfg.DelayBeforeActions.Seconds(),
		DelayBetweenActions: r.cfg.DelayBetweenActions.Seconds(),
	})

	if err := report.Write(r.cfg.OutputDir); err != nil {
		return report, err
	}

	r.logger.Info().
		Str("run_id", report.RunID).
		Int("total_pings", report.TotalPings).
		Int("used_samples", report.UsedSamples).
		Float64("p90_ms", report.P90Millis).
		Float64("p95_ms", report.P95Millis).
		Float64("p99_ms", report.P99Millis).
		Msg("Load run complete")

	return report, nil
}
