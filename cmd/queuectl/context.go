package main

import (
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"mailqueue/internal/config"
	"mailqueue/internal/repository"
	pkgconfig "mailqueue/pkg/config"
	"mailqueue/pkg/db"
	"mailqueue/pkg/logger"
	"mailqueue/pkg/mq"
	"mailqueue/pkg/outbox"
)

// commandContext lazily opens the resources a command needs and closes
// them after it runs.
type commandContext struct {
	configDir *string
	env       *string

	once   sync.Once
	cfg    *config.Config
	log    *zap.Logger
	pool   *pgxpool.Pool
	pub    *mq.Publisher
	setErr error
}

func newCommandContext(configDir, env *string) *commandContext {
	return &commandContext{configDir: configDir, env: env}
}

func (c *commandContext) ensureConfig() (*config.Config, *zap.Logger, error) {
	c.once.Do(func() {
		env := pkgconfig.GetConfigEnv()
		if *c.env != "" {
			env = *c.env
		}
		dir := pkgconfig.GetEnv("CONFIG_DIR", "config")
		if *c.configDir != "" {
			dir = *c.configDir
		}

		cfg, err := config.LoadFrom(env, dir)
		if err != nil {
			c.setErr = err
			return
		}
		if err := cfg.Validate(); err != nil {
			c.setErr = err
			return
		}
		log, err := logger.New(cfg.Logger)
		if err != nil {
			c.setErr = err
			return
		}
		c.cfg, c.log = cfg, log
	})
	return c.cfg, c.log, c.setErr
}

func (c *commandContext) database() (*pgxpool.Pool, error) {
	if c.pool != nil {
		return c.pool, nil
	}
	cfg, log, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		return nil, err
	}
	c.pool = pool
	return pool, nil
}

func (c *commandContext) emailRepository() (*repository.EmailRepository, error) {
	pool, err := c.database()
	if err != nil {
		return nil, err
	}
	return repository.NewEmailRepository(pool, outbox.NewRepository(pool)), nil
}

func (c *commandContext) outboxRepository() (*outbox.Repository, error) {
	pool, err := c.database()
	if err != nil {
		return nil, err
	}
	return outbox.NewRepository(pool), nil
}

func (c *commandContext) publisher() (*mq.Publisher, error) {
	if c.pub != nil {
		return c.pub, nil
	}
	cfg, _, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	pub, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		return nil, err
	}
	c.pub = pub
	return pub, nil
}

func (c *commandContext) close() {
	if c.pub != nil {
		c.pub.Close()
	}
	if c.pool != nil {
		c.pool.Close()
	}
	if c.log != nil {
		_ = c.log.Sync()
	}
}
