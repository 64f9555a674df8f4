package cmd

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/repoherd/repoherd/internal/config"
	"github.com/repoherd/repoherd/internal/database"
	"github.com/repoherd/repoherd/internal/server"
	"github.com/repoherd/repoherd/internal/service"
)

func init() {
	var params struct {
		configFile string
		addr       string
		singleShot bool
		noProgress bool
		log        *logParams
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := loadConfig(params.configFile)
			if err != nil {
				return err
			}

			logger := params.log.logger()

			db := database.New().WithConfig(root.Database).WithLogger(logger)
			defer db.CloseDB()

			coordinator := service.New().
				WithConfig(root).
				WithDatabase(db).
				WithLogger(logger).
				WithSingleShot(params.singleShot).
				WithNoProgress(params.noProgress)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if params.singleShot {
				err := coordinator.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			// Open the database before the HTTP surface comes up, so an
			// early request never races the coordinator's startup.
			if err := db.InitDB(ctx); err != nil {
				return err
			}

			group, ctx := errgroup.WithContext(ctx)

			group.Go(func() error {
				return coordinator.Run(ctx)
			})

			group.Go(func() error {
				listen := params.addr
				if listen == "" && root.Service != nil {
					listen = root.Service.Listen
				}
				srv := server.New().
					WithCoordinator(coordinator).
					WithConfig(root).
					WithLogger(logger).
					WithRouter(http.NewServeMux()).
					WithReady(func(ctx context.Context) error {
						return db.DB().PingContext(ctx)
					}).
					Init()
				logger.Infof("Listening on %s", cmp.Or(listen, config.DefaultListen))
				return srv.ListenAndServe(ctx, cmp.Or(listen, config.DefaultListen))
			})

			if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	run.Flags().StringVarP(&params.configFile, "config", "c", "config.yml", "configuration file")
	run.Flags().StringVar(&params.addr, "addr", "", "listen address override")
	run.Flags().BoolVar(&params.singleShot, "single-shot", false, "synchronize every repository once and exit")
	run.Flags().BoolVar(&params.noProgress, "no-progress", false, "disable the progress bar in single-shot mode")
	params.log = addLogFlags(run.Flags())

	RootCommand.AddCommand(run)
}
