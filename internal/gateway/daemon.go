package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/fenland-imaging/gateway/internal/actions"
	"github.com/fenland-imaging/gateway/internal/admin"
	"github.com/fenland-imaging/gateway/internal/config"
	"github.com/fenland-imaging/gateway/internal/dimse"
	"github.com/fenland-imaging/gateway/internal/pacs"
	"github.com/fenland-imaging/gateway/internal/relay"
	"github.com/fenland-imaging/gateway/internal/thumbnail"
	"github.com/fenland-imaging/gateway/internal/worklist"
)

// Daemon is the gateway process. It owns both modality-facing servers, the
// relay bridge in both directions, the thumbnail pipeline, the admin API and
// the retention sweep, all bound to a single lifecycle context.
type Daemon struct {
	db  *gorm.DB
	cfg *config.Config
	out io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB     *gorm.DB
	Config *config.Config
	Out    io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("gateway: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("gateway: config is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{db: opts.DB, cfg: opts.Config, out: out}, nil
}

// Run starts every gateway subsystem and blocks until the context is
// cancelled or one subsystem fails fatally. A fatal failure cancels the
// rest before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := d.cfg
	worklistStore := worklist.NewStore(d.db)
	imageStore := pacs.NewStore(d.db, cfg.PACS.StorageRoot)
	queue := relay.NewQueue(d.db)

	worklistSvc := worklist.NewService(worklistStore, queue)
	pacsSvc := pacs.NewService(imageStore)

	worklistLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Worklist.Port))
	if err != nil {
		return fmt.Errorf("gateway: listen worklist: %w", err)
	}
	pacsLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.PACS.Port))
	if err != nil {
		worklistLis.Close()
		return fmt.Errorf("gateway: listen pacs: %w", err)
	}

	worklistSrv := &dimse.Server{
		AETitle: cfg.Worklist.AETitle,
		Dispatch: &dimse.Dispatcher{
			Echo:     worklistSvc,
			Query:    worklistSvc,
			Start:    worklistSvc,
			Complete: worklistSvc,
		},
		Out: d.out,
	}
	pacsSrv := &dimse.Server{
		AETitle: cfg.PACS.AETitle,
		Dispatch: &dimse.Dispatcher{
			Echo:  pacsSvc,
			Store: pacsSvc,
		},
		Out: d.out,
	}

	key := cfg.Relay.Key()
	sender := &relay.Sender{
		Queue: queue,
		Channel: relay.ChannelConfig{
			Namespace: cfg.Relay.Namespace,
			Entity:    cfg.Relay.EventConnection,
			KeyName:   cfg.Relay.KeyName,
			Key:       key,
		},
		Out: d.out,
	}
	listener := &relay.Listener{
		Queue: queue,
		Channel: relay.ChannelConfig{
			Namespace: cfg.Relay.Namespace,
			Entity:    cfg.Relay.ActionConnection,
			KeyName:   cfg.Relay.KeyName,
			Key:       key,
		},
		Handler: &actions.Router{Store: worklistStore},
		Out:     d.out,
	}

	thumbRoot := cfg.PACS.ThumbnailRoot
	if thumbRoot == "" {
		thumbRoot = cfg.PACS.StorageRoot + "/thumbnails"
	}
	pipeline := &thumbnail.Pipeline{
		Images:     imageStore,
		Procedures: worklistStore,
		Events:     queue,
		Codec: &thumbnail.DCMImgCodec{
			Quality: cfg.Pipeline.Quality,
			Height:  cfg.Pipeline.Height,
		},
		ThumbnailRoot: thumbRoot,
		Interval:      time.Duration(cfg.Pipeline.PollIntervalSec) * time.Second,
		BatchSize:     cfg.Pipeline.BatchSize,
		Out:           d.out,
	}

	errCh := make(chan error, 8)
	launch := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				return
			}
			errCh <- nil
		}()
	}

	launch("worklist server", func(ctx context.Context) error {
		return worklistSrv.Serve(ctx, worklistLis)
	})
	launch("pacs server", func(ctx context.Context) error {
		return pacsSrv.Serve(ctx, pacsLis)
	})
	launch("relay sender", sender.Run)
	launch("relay listener", listener.Run)
	launch("thumbnail pipeline", pipeline.Run)
	launch("admin", func(ctx context.Context) error {
		return admin.Start(ctx, admin.StartOpts{
			Worklist: worklistStore,
			Images:   imageStore,
			Queue:    queue,
			Port:     cfg.Admin.Port,
			Out:      d.out,
		})
	})

	if cfg.Retention.KeepDays > 0 {
		go d.runRetentionSweep(ctx, worklistStore)
	}

	fmt.Fprintf(d.out, "Gateway online: worklist %s on :%d, pacs %s on :%d\n",
		cfg.Worklist.AETitle, cfg.Worklist.Port, cfg.PACS.AETitle, cfg.PACS.Port)

	// Every subsystem reports exactly once. The first failure cancels the
	// rest; the loop then drains their shutdown results.
	const subsystems = 6
	var firstErr error
	for i := 0; i < subsystems; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	fmt.Fprintf(d.out, "Gateway stopped\n")
	return firstErr
}

// runRetentionSweep deletes finished procedures older than the configured
// retention window, on the configured cron schedule.
func (d *Daemon) runRetentionSweep(ctx context.Context, store *worklist.Store) {
	for {
		wait, err := untilNextSweep(d.cfg.Retention.SweepCron, time.Now())
		if err != nil {
			log.Printf("gateway: retention sweep disabled: %v", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		cutoff := time.Now().AddDate(0, 0, -d.cfg.Retention.KeepDays)
		n, err := store.Sweep(cutoff)
		if err != nil {
			log.Printf("gateway: retention sweep: %v", err)
			continue
		}
		if n > 0 {
			fmt.Fprintf(d.out, "Retention sweep removed %d finished procedures\n", n)
		}
	}
}
