package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"p2pshare/internal/domain"
	"p2pshare/internal/monitor"
)

func init() {
	register("tasks", &command{
		summary: "Watch share and download tasks in a terminal view.",
		setup: func(*flag.FlagSet) runFunc {
			return func(ctx context.Context, e *env, _ []string) error {
				c, err := e.client()
				if err != nil {
					return err
				}
				return monitor.Run(ctx, c)
			}
		},
	})

	register("files", &command{
		summary: "List files visible to this peer.",
		setup: func(*flag.FlagSet) runFunc {
			return func(ctx context.Context, e *env, _ []string) error {
				c, err := e.client()
				if err != nil {
					return err
				}
				files, err := c.Files(ctx)
				if err != nil {
					return err
				}
				printFiles(e.out, files)
				return nil
			}
		},
	})

	register("search", &command{
		summary: "Search shared files by name.",
		usage:   "KEYWORD",
		setup: func(*flag.FlagSet) runFunc {
			return func(ctx context.Context, e *env, args []string) error {
				if len(args) != 1 {
					return usageError("search takes exactly one keyword")
				}
				c, err := e.client()
				if err != nil {
					return err
				}
				files, err := c.Search(ctx, args[0])
				if err != nil {
					return err
				}
				printFiles(e.out, files)
				return nil
			}
		},
	})

	register("share", &command{
		summary: "Share a file with everyone, or only with the peers given by -to.",
		usage:   "[-replace N] [-to ip:port,...] [-wait] PATH",
		setup: func(fs *flag.FlagSet) runFunc {
			replace := fs.Int("replace", -1, "0 stores under a new name, 1 replaces a share with the same name.")
			to := fs.String("to", "", "Comma-separated peers allowed to fetch the file.")
			wait := fs.Bool("wait", false, "Follow the task until it ends.")
			return func(ctx context.Context, e *env, args []string) error {
				if len(args) != 1 {
					return usageError("share takes exactly one path")
				}
				peers, err := parsePeers(*to)
				if err != nil {
					return err
				}
				path, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				c, err := e.client()
				if err != nil {
					return err
				}
				id, err := c.Share(ctx, path, *replace, peers)
				if err != nil {
					return err
				}
				fmt.Fprintf(e.out, "share started: %s\n", id)
				if !*wait {
					return nil
				}
				return follow(ctx, c, e.errOut, id, "Sharing")
			}
		},
	})

	register("get", &command{
		summary: "Download a file published by a peer.",
		usage:   "-from ip:port [-o PATH] NAME",
		setup: func(fs *flag.FlagSet) runFunc {
			from := fs.String("from", "", "Peer that published the file.")
			out := fs.String("o", ".", "Save path or directory.")
			detach := fs.Bool("detach", false, "Return once the download has started.")
			return func(ctx context.Context, e *env, args []string) error {
				if len(args) != 1 || *from == "" {
					return usageError("get needs -from and exactly one file name")
				}
				peer, err := domain.ParsePeerAddr(*from)
				if err != nil {
					return usageError("%v", err)
				}
				savePath, err := filepath.Abs(*out)
				if err != nil {
					return err
				}
				c, err := e.client()
				if err != nil {
					return err
				}
				id, err := c.Download(ctx, args[0], savePath, peer)
				if err != nil {
					return err
				}
				fmt.Fprintf(e.out, "download started: %s\n", id)
				if *detach {
					return nil
				}
				return follow(ctx, c, e.errOut, id, "Downloading")
			}
		},
	})

	register("rm", &command{
		summary: "Stop sharing a file.",
		usage:   "NAME",
		setup: func(*flag.FlagSet) runFunc {
			return func(ctx context.Context, e *env, args []string) error {
				if len(args) != 1 {
					return usageError("rm takes exactly one file name")
				}
				c, err := e.client()
				if err != nil {
					return err
				}
				if err := c.StopSharing(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(e.out, "stopped sharing %s\n", args[0])
				return nil
			}
		},
	})

	register("perm", &command{
		summary: "Change who may fetch a shared file.",
		usage:   "(-public | -to ip:port,...) NAME",
		setup: func(fs *flag.FlagSet) runFunc {
			public := fs.Bool("public", false, "Share with everyone.")
			to := fs.String("to", "", "Comma-separated peers allowed to fetch the file.")
			return func(ctx context.Context, e *env, args []string) error {
				if len(args) != 1 || (*public == (*to != "")) {
					return usageError("perm needs one file name and either -public or -to")
				}
				peers, err := parsePeers(*to)
				if err != nil {
					return err
				}
				vis := domain.Private
				if *public {
					vis = domain.Public
				}
				c, err := e.client()
				if err != nil {
					return err
				}
				if err := c.EditPermission(ctx, args[0], vis, peers); err != nil {
					return err
				}
				fmt.Fprintf(e.out, "%s is now %s\n", args[0], strings.ToLower(string(vis)))
				return nil
			}
		},
	})

	register("peers", &command{
		summary: "List peers known to the tracker.",
		setup: func(*flag.FlagSet) runFunc {
			return func(ctx context.Context, e *env, _ []string) error {
				c, err := e.client()
				if err != nil {
					return err
				}
				peers, err := c.KnownPeers(ctx)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(peers))
				for _, p := range peers {
					rows = append(rows, []string{p.Username, p.Key()})
				}
				printTable(e.out, []string{"USERNAME", "ADDRESS"}, rows)
				return nil
			}
		},
	})

	register("username", &command{
		summary: "Show the username, or set it when NAME is given.",
		usage:   "[NAME]",
		setup: func(*flag.FlagSet) runFunc {
			return func(ctx context.Context, e *env, args []string) error {
				c, err := e.client()
				if err != nil {
					return err
				}
				if len(args) == 0 {
					name, err := c.Username(ctx)
					if err != nil {
						return err
					}
					if name == "" {
						return &ExitError{Code: ExitFailure, Message: "no username set"}
					}
					fmt.Fprintln(e.out, name)
					return nil
				}
				name := strings.TrimSpace(strings.Join(args, " "))
				if name == "" {
					return usageError("username must not be empty")
				}
				if err := c.SetUsername(ctx, name); err != nil {
					return err
				}
				fmt.Fprintf(e.out, "username set to %s\n", name)
				return nil
			}
		},
	})

	register("cancel", &command{
		summary: "Cancel a task.",
		usage:   "TASK_ID",
		setup: func(*flag.FlagSet) runFunc {
			return taskAction("cancel", func(ctx context.Context, e *env, id string) error {
				c, err := e.client()
				if err != nil {
					return err
				}
				return c.Cancel(ctx, id)
			})
		},
	})

	register("resume", &command{
		summary: "Resume a stalled, timed-out or failed download.",
		usage:   "TASK_ID",
		setup: func(*flag.FlagSet) runFunc {
			return taskAction("resume", func(ctx context.Context, e *env, id string) error {
				c, err := e.client()
				if err != nil {
					return err
				}
				return c.Resume(ctx, id)
			})
		},
	})
}

func taskAction(name string, fn func(ctx context.Context, e *env, id string) error) runFunc {
	return func(ctx context.Context, e *env, args []string) error {
		if len(args) != 1 {
			return usageError("%s takes exactly one task id", name)
		}
		if err := fn(ctx, e, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "%s: %s\n", name, args[0])
		return nil
	}
}

func parsePeers(list string) ([]domain.PeerInfo, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	var peers []domain.PeerInfo
	for _, s := range strings.Split(list, ",") {
		p, err := domain.ParsePeerAddr(strings.TrimSpace(s))
		if err != nil {
			return nil, usageError("bad peer %q: %v", s, err)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func printFiles(w io.Writer, files []domain.FileInfo) {
	rows := make([][]string, 0, len(files))
	for _, f := range files {
		mine := ""
		if f.IsSharedByMe {
			mine = "*"
		}
		owner := f.Peer.Key()
		if f.Peer.Username != "" {
			owner = f.Peer.Username + " (" + owner + ")"
		}
		hash := f.FileHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		rows = append(rows, []string{mine, f.FileName, monitor.FormatSize(f.FileSize), owner, hash})
	}
	printTable(w, []string{"", "NAME", "SIZE", "PEER", "HASH"}, rows)
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "(none)")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("238"))).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(w, t.Render())
}

