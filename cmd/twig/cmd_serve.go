package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/odvcencio/twig/pkg/metrics"
	"github.com/odvcencio/twig/pkg/object"
	"github.com/odvcencio/twig/pkg/remote"
	"github.com/odvcencio/twig/pkg/repo"
)

const (
	serveReadHeaderTimeout = 10 * time.Second
	serveShutdownTimeout   = 15 * time.Second
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the repository over smart-HTTP upload-pack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			r, err := a.openRepo(repo.WithStoreOptions(object.WithMetrics(metrics.NewStore(reg))))
			if err != nil {
				return err
			}
			mux := newServeMux(a, r, reg)

			ln, err := net.Listen("tcp", a.v.GetString("listen"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serving %s on http://%s\n", r.RootDir, ln.Addr())
			return serveUntilDone(cmd.Context(), a.log, mux, ln)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "127.0.0.1:8417", "address to listen on")
	flags.Bool("ofs-delta", true, "send similar blobs as ofs-deltas")
	a.bind(flags, "listen", "ofs-delta")
	return cmd
}

// newServeMux routes /metrics to the registry and everything else to the
// upload-pack handler, so the repository is reachable at the server root.
func newServeMux(a *app, r *repo.Repo, reg *prometheus.Registry) *http.ServeMux {
	handler := remote.NewUploadPackHandler(r,
		remote.WithServerLogger(a.log.Named("upload-pack")),
		remote.WithServerMetrics(metrics.NewTransfer(reg)),
		remote.WithOfsDeltas(a.v.GetBool("ofs-delta")),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", handler)
	return mux
}

func serveUntilDone(ctx context.Context, log *zap.Logger, h http.Handler, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: serveReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(log.Named("http")),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
