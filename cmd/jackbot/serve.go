package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/comigor/jackbot/internal/knowledge"
	"github.com/comigor/jackbot/internal/llm"
	"github.com/comigor/jackbot/internal/logger"
	"github.com/comigor/jackbot/internal/rag"
	"github.com/comigor/jackbot/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the RAG API and the chat widget websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// a missing store leaves the API answering 503 instead of exiting
			var store rag.Retriever
			ks, err := knowledge.Open(cfg.Knowledge.DBPath)
			if err != nil {
				logger.L.Error("knowledge store unavailable", "path", cfg.Knowledge.DBPath, "error", err)
			} else {
				defer ks.Close()
				store = ks
			}
			svc := rag.New(llm.NewClient(cfg.LLM), store, cfg.LLM, cfg.Knowledge.TopK)

			httpSrv := &http.Server{
				Addr:              cfg.Server.Addr(),
				Handler:           server.New(svc, cfg.Chat).Routes(),
				ReadHeaderTimeout: 5 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				logger.L.Info("starting server", "address", httpSrv.Addr, "model", cfg.LLM.Model, "contract", cfg.Chat.Contract)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				logger.L.Info("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			})
			return eg.Wait()
		},
	}
}
