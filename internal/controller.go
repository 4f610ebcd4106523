package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/dcrodman/warden/internal/core"
	"github.com/dcrodman/warden/internal/core/crypto"
	"github.com/dcrodman/warden/internal/core/data"
	"github.com/dcrodman/warden/internal/core/debug"
	"github.com/dcrodman/warden/internal/core/metrics"
	"github.com/dcrodman/warden/internal/database"
	"github.com/dcrodman/warden/internal/login"
	"github.com/dcrodman/warden/internal/server"
)

// Controller is the main entrypoint for warden. It's responsible for initializing
// any shared resources (such as database and logging), wiring the auth server
// together and running it until the context is cancelled.
type Controller struct {
	Config *core.Config

	logger  *logrus.Logger
	metrics *metrics.Metrics

	worker   *database.Worker
	directDB database.Database
	manager  *server.Manager

	// listening receives the bound address once the listener is open.
	listening chan net.Addr
}

func (c *Controller) Start(ctx context.Context) error {
	var err error
	// Set up the logger, which will be used by every component.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}
	c.metrics = metrics.New()

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.PprofEnabled {
		debug.StartPprofServer(c.logger, c.Config.Debugging.PprofPort)
	}

	tlsConfig, err := server.LoadTLSConfig(
		c.Config.QualifiedPath(c.Config.AuthServer.CertificateFile),
		c.Config.QualifiedPath(c.Config.AuthServer.KeyFile),
	)
	if err != nil {
		return err
	}

	defer c.Shutdown()
	if err := c.initDatabase(); err != nil {
		return err
	}

	loginServer := login.NewServer(c.Config, c.logger, c.metrics, c.worker, c.directDB, crypto.Random{})
	c.manager = server.NewManager(c.Config, loginServer, tlsConfig, c.logger, c.metrics)
	loginServer.SetWakeUp(c.manager.WakeUp)

	if err := c.manager.Listen(ctx, c.Config.AuthServerAddress()); err != nil {
		return err
	}
	if c.listening != nil {
		c.listening <- c.manager.Addr()
	}
	return c.run(ctx)
}

// initDatabase opens the two database sessions: one owned by the worker
// goroutine and one used synchronously from the event loop.
func (c *Controller) initDatabase() error {
	workerDB, err := c.openDatabase()
	if err != nil {
		return err
	}
	if err := data.Migrate(workerDB); err != nil {
		_ = data.Close(workerDB)
		return err
	}
	directDB, err := c.openDatabase()
	if err != nil {
		_ = data.Close(workerDB)
		return err
	}

	c.worker = database.NewWorker(
		database.NewLoginDatabase(workerDB),
		c.logger.WithField("component", "database"),
		c.metrics,
		c.Config.Database.QueryTimeout,
	)
	c.worker.Start()
	c.directDB = database.NewLoginDatabase(directDB)

	c.logger.Infof("connected to %s database", c.Config.Database.Engine)
	return nil
}

func (c *Controller) openDatabase() (*gorm.DB, error) {
	dataSource := c.Config.DatabaseURL()
	if c.Config.Database.Engine == data.EngineSQLite {
		dataSource = c.Config.QualifiedPath(c.Config.Database.Filename)
	}
	return data.Open(c.Config.Database.Engine, dataSource, c.Config.Debugging.DatabaseLoggingEnabled)
}

func (c *Controller) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.manager.Run(ctx)
	})

	if port := c.Config.Web.HTTPPort; port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", c.metrics.Handler())
		httpServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			c.logger.Infof("serving metrics on %s/metrics", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Shutdown releases everything Start acquired: the listener and connections
// first, then the worker once its queue drained, then both database sessions.
func (c *Controller) Shutdown() {
	if c.manager != nil {
		if err := c.manager.Close(); err != nil {
			c.logger.Debugf("error closing listener: %v", err)
		}
	}
	if c.worker != nil {
		if n := c.worker.Pending(); n > 0 {
			c.logger.Infof("waiting for %d queued database requests", n)
		}
		c.worker.Stop()
		c.worker.Join()
		if err := c.worker.CloseDB(); err != nil {
			c.logger.Warnf("error closing worker database: %v", err)
		}
	}
	if c.directDB != nil {
		if err := c.directDB.Close(); err != nil {
			c.logger.Warnf("error closing database: %v", err)
		}
	}
	c.logger.Info("shut down")
}
