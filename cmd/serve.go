package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"coremachine/internal/api"
)

var (
	serveAddr       string // Listen address
	servePort       string // Listen port
	serveWithWorker bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Starts an HTTP server for job submission, job status and release lifecycle
actions. With --with-worker the same process also consumes queue messages,
which the memory queue backend requires.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		cfg := appInstance.Config
		if !cmd.Flags().Changed("addr") {
			serveAddr = cfg.Server.Addr
		}
		if !cmd.Flags().Changed("port") {
			servePort = cfg.Server.Port
		}

		if !appInstance.Log.IsLevelEnabled(logrus.DebugLevel) {
			gin.SetMode(gin.ReleaseMode)
		}
		if cfg.Queue.Backend == "memory" {
			serveWithWorker = true
		}
		router := api.NewRouter(&api.Handler{
			Machine:  appInstance.Machine,
			Approval: appInstance.Approval,
			Store:    appInstance.Store,
			Log:      appInstance.Log,
		})

		listenAddr := fmt.Sprintf("%s:%s", serveAddr, servePort)
		srv := &http.Server{Addr: listenAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

		ctx, stop := signalContext(cmd.Context(), appInstance.Log)
		defer stop()
		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			appInstance.Log.Infof("Starting API server on http://%s", listenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to run server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if serveWithWorker {
			g.Go(func() error {
				return runWorker(ctx, appInstance, true)
			})
		}
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "localhost", "Address to listen on")
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "8080", "Port to listen on")
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "Also consume queue messages in this process")
}
