package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"p2pshare/internal/api"
	"p2pshare/internal/ctxlog"
	"p2pshare/internal/node"
	"p2pshare/internal/tracker"
)

func init() {
	register("serve", &command{
		summary: "Run the peer daemon and its REST API.",
		usage:   "[-username NAME]",
		setup: func(fs *flag.FlagSet) runFunc {
			username := fs.String("username", "", "Set the username before starting.")
			return func(ctx context.Context, e *env, _ []string) error {
				return serve(ctx, e, *username)
			}
		},
	})
	register("tracker", &command{
		summary: "Run the tracker.",
		setup: func(*flag.FlagSet) runFunc {
			return func(ctx context.Context, e *env, _ []string) error {
				cfg, err := e.config()
				if err != nil {
					return err
				}
				log := ctxlog.New(cfg.Log.Level, cfg.Log.Format, e.errOut)
				return tracker.Run(ctxlog.WithLogger(ctx, log), cfg, log)
			}
		},
	})
}

func serve(ctx context.Context, e *env, username string) error {
	cfg, err := e.config()
	if err != nil {
		return err
	}
	log := ctxlog.New(cfg.Log.Level, cfg.Log.Format, e.errOut)
	ctx = ctxlog.WithLogger(ctx, log)

	n, err := node.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer n.Close()

	if name := strings.TrimSpace(username); name != "" {
		if err := n.SetUsername(ctx, name); err != nil {
			return err
		}
	}
	if n.Username() == "" {
		log.Info("no username yet; set one with 'p2pshare username NAME' or POST /api/set-username")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(ctx) })
	g.Go(func() error { return api.New(n, log).Serve(ctx, cfg.API.Addr) })
	return g.Wait()
}
