package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callcore/internal/assist"
	"callcore/internal/assist/anthropic"
	"callcore/internal/assist/openai"
	"callcore/internal/audit"
	"callcore/internal/auth"
	"callcore/internal/calls"
	"callcore/internal/config"
	"callcore/internal/enrichment"
	"callcore/internal/httpapi"
	"callcore/internal/integrations/paramstore"
	"callcore/internal/reporting"
	"callcore/internal/telephony"
	"callcore/pkg/utils"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
)

// SSM parameter names, relative to SSM_PARAM_PREFIX.
const (
	paramTwilioAuthToken    = "twilio/auth_token"
	paramTwilioAPIKeySID    = "twilio/api_key_sid"
	paramTwilioAPIKeySecret = "twilio/api_key_secret"
	paramAssistAPIKey       = "assist/api_key"
)

// app holds the wired components. No globals.
type app struct {
	log *slog.Logger

	db  *sql.DB
	rdb *redis.Client

	machine    *calls.Machine
	enrichment *enrichment.Service

	api     httpapi.Handlers
	webhook telephony.TwilioWebhookHandler
}

func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{log: log}

	// ---- AWS (optional) ----
	var params *paramstore.Client
	var dynamo *awsdynamodb.Client
	if cfg.UseAWS() {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		params, err = paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.AWS.SSMParamPrefix)
		if err != nil {
			return nil, err
		}
		dynamo = awsdynamodb.NewFromConfig(awsCfg)
		if err := resolveSecrets(ctx, params, cfg, log); err != nil {
			return nil, err
		}
	}
	if err := requireWebhookToken(cfg); err != nil {
		return nil, err
	}

	// ---- Stores ----
	var store calls.Store = calls.NewMemoryRepo()
	var auditRepo audit.Repository = audit.NewMemoryRepo()
	if cfg.UsePostgres() {
		db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		a.db = db
		if err := utils.EnsureSchema(ctx, db, calls.PostgresSchema, audit.PostgresSchema); err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		store = calls.NewPostgresRepo(db)
		auditRepo = audit.NewPostgresRepo(db)
	} else {
		log.Warn("DB_HOST not set, using in-memory call store")
	}

	var refs calls.RefIndex = calls.NewMemoryRefIndex()
	var gate calls.Gate
	if cfg.UseRedis() {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis init: %w", err)
		}
		a.rdb = rdb
		refs = calls.NewRedisRefIndex(rdb, 0)
		if cfg.Calls.MaxConcurrentPerUser > 0 {
			gate = calls.NewRedisGate(rdb, cfg.Calls.MaxConcurrentPerUser, 0)
		}
	} else {
		log.Warn("REDIS_HOST not set, using in-memory provider ref index")
	}

	// ---- Provider ----
	twilio, err := telephony.NewTwilioClient(telephony.TwilioConfig{
		AccountSID:    cfg.Twilio.AccountSID,
		AuthToken:     cfg.Twilio.AuthToken,
		APIKeySID:     cfg.Twilio.APIKeySID,
		APIKeySecret:  cfg.Twilio.APIKeySecret,
		CallerID:      cfg.Twilio.CallerID,
		PublicBaseURL: cfg.Twilio.PublicBaseURL,
		Record:        cfg.Twilio.Record,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	var provider telephony.Provider = twilio
	log.Info("telephony provider configured", "provider", provider.Name(), "record", cfg.Twilio.Record)

	// ---- Call state machine ----
	a.machine = calls.NewMachine(store, refs, calls.Options{
		Dialer:          provider,
		Gate:            gate,
		Logger:          log,
		RingTimeout:     cfg.Calls.RingTimeout,
		AnswerTimeout:   cfg.Calls.AnswerTimeout,
		UpstreamTimeout: cfg.Calls.UpstreamTimeout,
	})

	// ---- Session tokens ----
	var keys auth.SigningKeySource = auth.StaticKeySource{ID: cfg.Twilio.APIKeySID, Secret: []byte(cfg.Twilio.APIKeySecret)}
	if params != nil {
		keys, err = auth.NewParamStoreKeySource(params, paramTwilioAPIKeySID, paramTwilioAPIKeySecret, 0)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	var ledger auth.ReplayLedger = auth.NewMemoryReplayLedger()
	if dynamo != nil && cfg.AWS.TokenReplayTable != "" {
		ledger, err = auth.NewDynamoReplayLedger(dynamo, cfg.AWS.TokenReplayTable)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	tokens, err := auth.NewCapabilityIssuer(keys, ledger, auth.CapabilityConfig{
		AccountSID:     cfg.Twilio.AccountSID,
		ApplicationSID: cfg.Twilio.TwiMLAppSID,
		TTL:            cfg.Calls.SessionTokenTTL,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	// ---- Listeners: audit, assist, enrichment ----
	auditSvc := audit.NewService(auditRepo, log)
	assistMgr := assist.NewManager(newGenerator(cfg.Assist), a.machine, assist.Config{
		MaxTurns: cfg.Assist.MaxTurns,
		MaxBytes: cfg.Assist.MaxBytes,
		Timeout:  cfg.Assist.Timeout,
	}, log)
	a.enrichment = enrichment.NewService(a.machine, provider, provider, auditSvc, enrichment.Config{
		MaxAttempts: cfg.Enrichment.MaxAttempts,
		StepTimeout: cfg.Calls.UpstreamTimeout,
	}, log)

	a.machine.AddListener(auditSvc)
	a.machine.AddCloseHook(assistMgr.Close)
	a.machine.AddListener(a.enrichment)

	a.api = httpapi.Handlers{
		Tokens:     tokens,
		Calls:      a.machine,
		Assist:     assistMgr,
		Enrichment: a.enrichment,
		Audit:      auditSvc,
		Reports:    reporting.NewService(store),
		DevLogin:   cfg.DevLogin(),
	}
	a.webhook = telephony.TwilioWebhookHandler{Calls: a.machine}
	return a, nil
}

// newGenerator returns nil when suggestions are disabled.
func newGenerator(cfg config.AssistConfig) assist.Generator {
	switch cfg.Provider {
	case "openai":
		return openai.New(func(o *openai.Options) {
			o.APIKey = cfg.APIKey
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		})
	case "anthropic":
		return anthropic.New(func(o *anthropic.Options) {
			o.APIKey = cfg.APIKey
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		})
	default:
		return nil
	}
}

// resolveSecrets fills credentials that are not set in env from SSM.
func resolveSecrets(ctx context.Context, params paramstore.Getter, cfg *config.Config, log *slog.Logger) error {
	lookups := []struct {
		name   string
		target *string
	}{
		{paramTwilioAuthToken, &cfg.Twilio.AuthToken},
		{paramTwilioAPIKeySID, &cfg.Twilio.APIKeySID},
		{paramTwilioAPIKeySecret, &cfg.Twilio.APIKeySecret},
	}
	if cfg.Assist.Provider != "" {
		lookups = append(lookups, struct {
			name   string
			target *string
		}{paramAssistAPIKey, &cfg.Assist.APIKey})
	}

	for _, l := range lookups {
		if *l.target != "" {
			continue
		}
		v, err := params.GetParameter(ctx, l.name)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Warn("ssm parameter unavailable", "name", l.name, "err", err)
			continue
		}
		*l.target = v
	}
	return nil
}

// requireWebhookToken refuses to start a strict environment that would
// accept unsigned provider webhooks.
func requireWebhookToken(cfg *config.Config) error {
	if cfg.Strict() && cfg.Twilio.AuthToken == "" {
		return fmt.Errorf("twilio auth token is empty in %s after secret resolution", cfg.App.Env)
	}
	return nil
}

// Ready checks the stores the process cannot serve without.
func (a *app) Ready(ctx context.Context) error {
	if a.db != nil {
		if err := utils.HealthCheck(ctx, a.db, 2*time.Second); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.rdb != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := a.rdb.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Drain waits for background enrichment runs until ctx is done.
func (a *app) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.enrichment.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown with enrichment still running")
	}
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
