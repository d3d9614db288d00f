package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nildb/nildb/internal/nilcomm"
	"github.com/nildb/nildb/internal/pool"
)

const reconcileTask = "reconcile"

type runParams struct {
	*commonParams
	reconcile bool
}

func init() {
	params := runParams{commonParams: newCommonParams()}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the node: process bus commands and reconcile owner references",
		Long: `Run the node.

The node applies pending migrations, creates its own account on first start,
then processes commands from the bus until interrupted. Prometheus metrics
are served on service.metrics_addr. Sending SIGHUP starts a reconciliation
right away.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, params)
		},
	}

	addCommonFlags(run.Flags(), params.commonParams)
	run.Flags().BoolVar(&params.reconcile, "reconcile", true, "reconcile owner references every service.reconcile_interval")

	RootCommand.AddCommand(run)
}

func runNode(ctx context.Context, params runParams) error {
	log := params.logger(os.Stderr)
	cfg, err := params.load()
	if err != nil {
		return err
	}

	n, err := open(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	defer n.close()

	b := n.bus()
	defer b.Close()

	handlers, err := n.handlers(b)
	if err != nil {
		return err
	}
	if err := handlers.EnsureAccount(ctx); err != nil {
		return err
	}
	log.Infof("node %s ready", n.keys.DID())

	processor := nilcomm.NewProcessor(b, handlers).
		WithTimeout(time.Duration(cfg.Service.HandlerTimeout)).
		WithLogger(log)

	tasks := pool.New(1).WithLogger(log)
	if params.reconcile {
		r := n.reconciler()
		tasks.Every(reconcileTask, time.Duration(cfg.Service.ReconcileInterval), func(ctx context.Context) error {
			_, err := r.Run(ctx)
			return err
		})
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Service.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return processor.Run(ctx)
	})
	g.Go(func() error {
		return tasks.Run(ctx)
	})
	g.Go(func() error {
		log.Infof("serving metrics on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if err := tasks.Trigger(reconcileTask); err != nil {
					log.Warnf("%v", err)
				}
			}
		}
	})

	return g.Wait()
}
