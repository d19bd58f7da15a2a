package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/agentbridge/internal/agent"
	"github.com/antoniostano/agentbridge/internal/business"
	"github.com/antoniostano/agentbridge/internal/config"
	"github.com/antoniostano/agentbridge/internal/dispatch"
	"github.com/antoniostano/agentbridge/internal/httpapi"
	"github.com/antoniostano/agentbridge/internal/knowledge"
	"github.com/antoniostano/agentbridge/internal/observability"
	"github.com/antoniostano/agentbridge/internal/session"
)

type UpstreamInfo struct {
	Mode   string
	Detail string
}

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Agents     *agent.Manager
	Registry   *session.Registry
	Dispatcher *dispatch.Dispatcher
	Business   *business.Service
	Knowledge  *knowledge.Base
	Metrics    *observability.Metrics
	Upstream   UpstreamInfo

	// Cleanup should be called on shutdown, after sessions have stopped.
	Cleanup func() error
}

// Build wires the process from configuration. Nothing listens until the
// caller serves API.Router().
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	kb, err := knowledge.Open(cfg.KnowledgeDir, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("knowledge base init failed: %w", err)
	}

	up, err := resolveUpstream(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	svc := business.NewService(store, business.WithLogger(logger))
	dispatcher := NewDispatcher(cfg, svc, kb, logger, metrics)

	registry := session.NewRegistry(cfg.SessionInactivityTimeout, logger, metrics)
	agents := agent.NewManager(
		AgentOptions(cfg),
		up.dialer,
		dispatcher,
		registry,
		agent.WithLogger(logger),
		agent.WithMetrics(metrics),
		agent.WithCapture(agent.NewToneCapture(cfg.ClientSampleRate, cfg.ToneDevices)),
	)

	api := httpapi.New(cfg, agents, dispatcher, kb, metrics, logger)

	cleanup := func() error {
		return store.Close()
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Agents:     agents,
		Registry:   registry,
		Dispatcher: dispatcher,
		Business:   svc,
		Knowledge:  kb,
		Metrics:    metrics,
		Upstream:   UpstreamInfo{Mode: up.mode, Detail: up.detail},
		Cleanup:    cleanup,
	}, nil
}

// OpenStore opens the business backend selected by data.database_url.
func OpenStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (business.Store, error) {
	store, err := business.NewStore(ctx, business.StoreOptions{
		DatabaseURL:  cfg.DatabaseURL,
		SnapshotPath: cfg.MockDataPath,
		Size:         DatasetSize(cfg),
		Now:          time.Now(),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("business store init failed: %w", err)
	}
	return store, nil
}

// NewDispatcher builds a dispatcher with every business and knowledge
// function registered.
func NewDispatcher(cfg config.Config, svc *business.Service, kb *knowledge.Base, logger zerolog.Logger, metrics *observability.Metrics) *dispatch.Dispatcher {
	d := dispatch.New(
		dispatch.WithTimeout(cfg.FunctionTimeout),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics),
	)
	dispatch.RegisterDefaults(d, svc, kb)
	return d
}

func DatasetSize(cfg config.Config) business.DatasetSize {
	return business.DatasetSize{
		Customers:    cfg.MockCustomers,
		Appointments: cfg.MockAppointments,
		Orders:       cfg.MockOrders,
	}
}

func AgentOptions(cfg config.Config) agent.Options {
	return agent.Options{
		ClientSampleRate:  cfg.ClientSampleRate,
		AgentSampleRate:   cfg.AgentSampleRate,
		Language:          cfg.Language,
		ListenModel:       cfg.ListenModel,
		ThinkProvider:     cfg.ThinkProvider,
		ThinkModel:        cfg.DefaultModel,
		ThinkTemperature:  cfg.ThinkTemperature,
		Prompt:            cfg.Prompt,
		Greeting:          cfg.Greeting,
		PersonaKey:        cfg.PersonaKey,
		VoiceName:         cfg.VoiceName,
		DefaultVoice:      cfg.DefaultVoice,
		AllowedVoices:     cfg.AllowedVoices,
		KeepAliveInterval: cfg.KeepAliveInterval,
		DrainTimeout:      cfg.DrainTimeout,
		RelayGrace:        cfg.RelayGrace,
		EndCallGrace:      cfg.EndCallGrace,
		PlaybackLead:      cfg.PlaybackLead,
		OutboundQueue:     cfg.OutboundQueue,
		MaxDecodeFailures: cfg.MaxDecodeFailures,
		AudioDebugDir:     cfg.AudioDebugDir,
	}
}

// Shutdown stops every session, waiting at most until ctx ends, and then
// releases the stores.
func (b *BuildResult) Shutdown(ctx context.Context) error {
	var errs []error
	if err := b.Registry.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop sessions: %w", err))
	}
	if b.Cleanup != nil {
		if err := b.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
