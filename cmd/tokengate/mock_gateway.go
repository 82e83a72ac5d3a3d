package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-tokengate/internal/mockgateway"
)

var (
	mockAddr    string
	mockAccepts []string
)

var mockGatewayCmd = &cobra.Command{
	Use:   "mock-gateway",
	Short: "Run a local gateway that enforces the policy table",
	Long: `Run a local gateway that answers 401 on governed routes unless the
request carries an accepted token in the policy header.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		accepts, err := parseAccepts(mockAccepts)
		if err != nil {
			return err
		}
		gw := mockgateway.New(cfg.Policies)
		for key, tokens := range accepts {
			gw.Accept(key, tokens...)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serveGateway(ctx, mockAddr, gw)
	},
}

// parseAccepts turns repeated key=token flags into a token set per key.
func parseAccepts(values []string) (map[string][]string, error) {
	accepts := make(map[string][]string)
	for _, v := range values {
		key, token, ok := strings.Cut(v, "=")
		key, token = strings.TrimSpace(key), strings.TrimSpace(token)
		if !ok || key == "" || token == "" {
			return nil, fmt.Errorf("invalid --accept %q, expected storage-key=token", v)
		}
		accepts[key] = append(accepts[key], token)
	}
	return accepts, nil
}

func serveGateway(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Mock gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("Shutting down mock gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func init() {
	mockGatewayCmd.Flags().StringVar(&mockAddr, "addr", "127.0.0.1:8080", "listen address")
	mockGatewayCmd.Flags().StringArrayVar(&mockAccepts, "accept", nil, "accepted token, storage-key=token (repeatable)")
	rootCmd.AddCommand(mockGatewayCmd)
}
