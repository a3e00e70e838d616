package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"sqlassist/internal/agent"
	"sqlassist/internal/config"
	"sqlassist/internal/database"
	"sqlassist/internal/events"
	"sqlassist/internal/llm"
	"sqlassist/internal/llm/command"
	"sqlassist/internal/llm/openai"
	"sqlassist/internal/session"
	"sqlassist/internal/skills"
	"sqlassist/internal/sqlexec"
	"sqlassist/pkg/logger"
	defaultskills "sqlassist/skills"
)

// app 汇总了一次进程运行所需的全部组件。
type app struct {
	cfg      *config.Config
	pool     *database.Pool
	executor *sqlexec.Executor
	skills   *skills.Store
	machine  *agent.Machine
	closers  []io.Closer
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		AddSource:   cfg.Log.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	})
}

func openSkills(cfg config.SkillsConfig) (*skills.Store, error) {
	if cfg.Directory != "" {
		return skills.OpenDir(cfg.Directory)
	}
	return skills.Open(defaultskills.FS)
}

func newLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:      cfg.OpenAI.ResolveAPIKey(),
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			Temperature: cfg.OpenAI.Temperature,
			Timeout:     cfg.OpenAI.Timeout(),
		})
	case "command":
		exe := command.ResolvePath(cfg.Command.WorkingDir, cfg.Command.Executable)
		return command.NewClient(exe, cfg.Command.Args, cfg.Command.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的推理后端: %s", cfg.Provider)
	}
}

func dialectOf(driver string) string {
	if driver == "mysql" {
		return "MySQL"
	}
	return "PostgreSQL"
}

// buildApp 按配置依次初始化各组件，任一步失败都会释放已创建的资源。
func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.skills, err = openSkills(cfg.Skills); err != nil {
		return nil, err
	}

	client, err := newLLMClient(cfg.LLM)
	if err != nil {
		return nil, err
	}
	adapter := llm.NewAdapter(client,
		llm.WithTimeout(cfg.Agent.LLMTimeout()),
		llm.WithDialect(dialectOf(cfg.Database.Driver)),
	)

	a.pool, err = database.Open(ctx, database.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.ResolveDSN(),
		Size:            cfg.Database.PoolSize,
		AcquireTimeout:  cfg.Database.AcquireTimeout(),
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime(),
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.pool)

	a.executor = sqlexec.NewExecutor(a.pool,
		sqlexec.WithMaxRows(cfg.Database.MaxRows),
		sqlexec.WithStatementTimeout(cfg.Database.StatementTimeout()),
	)

	store, locker, err := session.Open(ctx, cfg.Sessions)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store)

	publisher, closer, err := events.Open(cfg.Events)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	a.machine = agent.New(adapter, a.executor, a.skills, store,
		agent.WithMaxSkillLoads(cfg.Agent.MaxSkillLoads),
		agent.WithLocker(locker),
		agent.WithPublisher(publisher),
	)
	return a, nil
}

// Close 按创建的逆序释放资源。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
