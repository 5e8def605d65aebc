// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"mould/internal/auth"
	"mould/internal/blob"
	"mould/internal/cache"
	"mould/internal/config"
	"mould/internal/httpapi"
	"mould/internal/job"
	"mould/internal/jsengine"
	"mould/internal/mail"
	"mould/internal/service"
	"mould/internal/store"
	"mould/pkg/extension"
	"mould/pkg/logging"

	// Built-in extensions register themselves into the default registry.
	_ "mould/internal/extensions/cloudflarepages"
	_ "mould/internal/extensions/etcd"
	_ "mould/internal/extensions/kubernetes"
	_ "mould/internal/extensions/mysql"
	_ "mould/internal/extensions/postgres"
	_ "mould/internal/extensions/server"
)

// NewServeCommand constructs the serve command running the HTTP daemon.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Mould server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			verbose, err := cmd.Flags().GetBool("verbose")
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), configPath, verbose)
		},
	}
}

func runServe(parent context.Context, configPath string, verbose bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLogger(verbose)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Shared key-value cache for sessions, nonces and captchas.
	var sharedCache cache.Cache
	if cfg.CacheServer.Host != "" {
		redis := cache.NewRedis(
			fmt.Sprintf("%s:%d", cfg.CacheServer.Host, cfg.CacheServer.Port),
			cfg.CacheServer.Password, cfg.CacheServer.DB)
		if err := redis.Ping(ctx); err != nil {
			return fmt.Errorf("connecting to cache server: %w", err)
		}
		sharedCache = redis
	} else {
		logger.Warn("no cache server configured, using the in-process cache")
		sharedCache = cache.NewMemory()
	}
	sessions := cache.NewSessionStore(sharedCache, 0)
	nonces := cache.NewNonceStore(sharedCache, 0)

	st, err := store.OpenPostgres(ctx, cfg.DataSource.URL)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := extension.DefaultRegistry
	if err := registry.LoadDir(cfg.ExtensionDir); err != nil {
		return fmt.Errorf("loading extensions: %w", err)
	}
	logger.Info("extensions loaded", logging.NewField("ids", registry.IDs()))

	blobs, err := blob.NewFS(cfg.BlobDir)
	if err != nil {
		return err
	}

	pool := extension.NewBlockingPool(4 * runtime.GOMAXPROCS(0))
	evaluator := jsengine.New(0)
	mailer := mail.NewSMTP(mail.Account{
		Host:     cfg.EmailAccount.Host,
		Port:     cfg.EmailAccount.Port,
		Username: cfg.EmailAccount.Username,
		Password: cfg.EmailAccount.Password,
		Name:     cfg.EmailAccount.Name,
		Address:  cfg.EmailAccount.Address,
	})

	authSvc := auth.NewService(st, sessions, nonces, sharedCache, mailer, logger,
		cfg.RSAPriKey, cfg.RSAPubKeyPEM, cfg.ServerRandomValue, auth.Templates{
			RegisterCaptcha:      cfg.EmailTemplates.RegisterCaptcha,
			ResetPasswordCaptcha: cfg.EmailTemplates.ResetPasswordCaptcha,
		})
	external := auth.NewExternalService(st, sessions, logger, cfg.Oauth2Servers, cfg.OpenidServers, cfg.PublicPath)

	runner := job.NewRunner(st, registry, blobs, pool, evaluator, cfg.JobLogDir, logger)
	jobs := job.NewService(st, job.NewPlanner(st), runner, cfg.JobLogDir)

	// Job records left Running by a previous process are terminally
	// failed before the server accepts traffic.
	if err := runner.RecoverOnBoot(ctx); err != nil {
		return fmt.Errorf("recovering job records: %w", err)
	}

	server := httpapi.NewServer(logger, sessions, authSvc, external,
		service.NewUserService(st),
		service.NewSchemaService(st, registry),
		service.NewEnvironmentService(st, registry),
		service.NewJobDefinitionService(st, registry),
		service.NewExtensionService(registry, func() *extension.Context {
			return extension.NewContext(blobs, pool, evaluator, filepath.Join(cfg.JobLogDir, "tmp"))
		}),
		jobs, blobs)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return server.ListenAndServe(ctx, addr)
}
