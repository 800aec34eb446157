package cmd

import (
	"grimm.is/floe/internal/audit"
	"grimm.is/floe/internal/clock"
	"grimm.is/floe/internal/command"
	"grimm.is/floe/internal/config"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/metrics"
	"grimm.is/floe/internal/store"
)

// env bundles the pieces every CLI subcommand needs.
type env struct {
	cfg     *config.Config
	store   *store.Store
	audit   *audit.Store
	runner  command.Runner
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry
	close   func()
}

func openEnv(configFile string) (*env, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	logging.SetPrefix("floe")
	logger := logging.New(logging.Config{
		Level: logging.ParseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	})

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}
	au, err := audit.NewStore(cfg.Audit.Path, cfg.Audit.RetentionDays)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &env{
		cfg:     cfg,
		store:   st,
		audit:   au,
		runner:  command.NewExecRunner(cfg.CommandTimeout()),
		clock:   &clock.RealClock{},
		logger:  logger,
		metrics: metrics.Get(),
		close: func() {
			au.Close()
			st.Close()
		},
	}, nil
}
