package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	flag "github.com/spf13/pflag"

	"docstore/internal/codec"
	"docstore/internal/config"
	"docstore/internal/document"
	"docstore/internal/kv"
	"docstore/internal/maintenance"
	"docstore/internal/storage"
	"docstore/internal/storeerr"
	"docstore/internal/workqueue"
)

func allCommands() []*Command {
	return []*Command{
		initConfigCmd(),
		rebuildACLsCmd(),
		purgeDeletedCmd(),
		binariesCmd(),
		exportCmd(),
		queueStatsCmd(),
		clearCompletedCmd(),
		scheduleCmd(),
	}
}

func initConfigCmd() *Command {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	out := fs.StringP("output", "o", "", "config file to write (default: the user config location)")
	force := fs.Bool("force", false, "overwrite an existing file")
	return &Command{
		Flags: fs,
		Usage: "init-config [--output path] [--force]",
		Short: "Write a config file holding the defaults",
		Exec: func(_ context.Context, env *Env, _ []string) error {
			path := *out
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !*force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.DefaultConfig().Save(path); err != nil {
				return err
			}
			fmt.Fprintln(env.Out, path)
			return nil
		},
	}
}

func rebuildACLsCmd() *Command {
	fs := flag.NewFlagSet("rebuild-acls", flag.ContinueOnError)
	repo := fs.StringP("repo", "r", "", "repository name (default: every repository)")
	return &Command{
		Flags: fs,
		Usage: "rebuild-acls [--repo <name>]",
		Short: "Recompute the read ACLs of every document",
		Exec: func(ctx context.Context, env *Env, _ []string) error {
			names := []string{*repo}
			if *repo == "" {
				names = repositoryNames(env.Config)
			}
			for _, name := range names {
				err := withRepository(ctx, env, name, func(r *storage.Repository) error {
					return r.RebuildReadAcls(ctx)
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "%s: read ACLs rebuilt\n", name)
			}
			return nil
		},
	}
}

func purgeDeletedCmd() *Command {
	fs := flag.NewFlagSet("purge-deleted", flag.ContinueOnError)
	repo := fs.StringP("repo", "r", config.DefaultRepository, "repository name")
	max := fs.Int("max", 0, "maximum number of documents to purge, 0 for all")
	age := fs.Duration("age", 0, "only purge documents deleted longer ago than this")
	return &Command{
		Flags: fs,
		Usage: "purge-deleted [--repo <name>] [--max n] [--age d]",
		Short: "Hard-delete soft-deleted documents",
		Long: "Hard-delete soft-deleted documents of a repository, oldest first.\n" +
			"Documents that still have children are kept for a later run.",
		Exec: func(ctx context.Context, env *Env, _ []string) error {
			before := time.Now().Add(-*age)
			return withRepository(ctx, env, *repo, func(r *storage.Repository) error {
				n, err := r.CleanupDeletedDocuments(ctx, *max, before)
				if err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "%s: %d documents purged\n", *repo, n)
				return nil
			})
		},
	}
}

func binariesCmd() *Command {
	fs := flag.NewFlagSet("binaries", flag.ContinueOnError)
	repo := fs.StringP("repo", "r", config.DefaultRepository, "repository name")
	return &Command{
		Flags: fs,
		Usage: "binaries [--repo <name>]",
		Short: "List the blob digests referenced by documents",
		Exec: func(ctx context.Context, env *Env, _ []string) error {
			return withRepository(ctx, env, *repo, func(r *storage.Repository) error {
				seen := make(map[string]struct{})
				if _, err := r.MarkReferencedBinaries(ctx, func(digest string) {
					seen[digest] = struct{}{}
				}); err != nil {
					return err
				}
				digests := make([]string, 0, len(seen))
				for d := range seen {
					digests = append(digests, d)
				}
				slices.Sort(digests)
				for _, d := range digests {
					fmt.Fprintln(env.Out, d)
				}
				return nil
			})
		},
	}
}

func exportCmd() *Command {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	repo := fs.StringP("repo", "r", config.DefaultRepository, "repository name")
	path := fs.StringP("path", "p", "/", "path of the exported document")
	format := fs.StringP("format", "f", "yaml", "output format: json or yaml")
	depth := fs.Int("depth", -1, "levels of descendants to export, negative for all")
	out := fs.StringP("output", "o", "", "output file (default: stdout)")
	return &Command{
		Flags: fs,
		Usage: "export [--repo <name>] [--path p] [--format f]",
		Short: "Export a document subtree with its properties",
		Exec: func(ctx context.Context, env *Env, _ []string) error {
			exp, err := codec.ForFormat(*format)
			if err != nil {
				return err
			}
			var tree *codec.Tree
			err = withRepository(ctx, env, *repo, func(r *storage.Repository) error {
				return r.Update(ctx, func(st *storage.Session) error {
					s := document.NewSession(st, document.SystemPrincipal)
					doc, err := s.GetDocument(ctx, document.PathRef(*path))
					if err != nil {
						return err
					}
					if doc == nil {
						return storeerr.New("export", *path, storeerr.ErrNotFound)
					}
					tree, err = codec.Capture(ctx, doc, *depth)
					return err
				})
			})
			if err != nil {
				return err
			}

			if *out == "" {
				return exp.Export(tree, env.Out)
			}
			f, err := os.Create(*out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", *out, err)
			}
			if err := exp.Export(tree, f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(env.Err, "%d documents exported to %s\n", tree.Count(), *out)
			return nil
		},
	}
}

func queueStatsCmd() *Command {
	fs := flag.NewFlagSet("queue-stats", flag.ContinueOnError)
	queue := fs.StringP("queue", "q", "", "queue id (default: every known queue)")
	return &Command{
		Flags: fs,
		Usage: "queue-stats [--queue <id>]",
		Short: "Show the size of each work queue per state",
		Exec: func(ctx context.Context, env *Env, _ []string) error {
			return withQueuing(ctx, env, func(q *workqueue.Queuing) error {
				ids, err := queueIDs(ctx, env, q, *queue)
				if err != nil {
					return err
				}
				fmt.Fprintf(env.Out, "%-20s %10s %10s %10s %10s\n", "QUEUE", "SCHEDULED", "RUNNING", "SUSPENDED", "COMPLETED")
				for _, id := range ids {
					var sizes [4]int64
					for i, st := range []workqueue.State{workqueue.StateScheduled, workqueue.StateRunning, workqueue.StateSuspended, workqueue.StateCompleted} {
						if sizes[i], err = q.GetQueueSize(ctx, id, st); err != nil {
							return err
						}
					}
					fmt.Fprintf(env.Out, "%-20s %10d %10d %10d %10d\n", id, sizes[0], sizes[1], sizes[2], sizes[3])
				}
				return nil
			})
		},
	}
}

func clearCompletedCmd() *Command {
	fs := flag.NewFlagSet("clear-completed", flag.ContinueOnError)
	queue := fs.StringP("queue", "q", "", "queue id (default: every known queue)")
	age := fs.Duration("age", 0, "keep work completed more recently than this (default: the configured retention)")
	all := fs.Bool("all", false, "clear every completed work regardless of age")
	return &Command{
		Flags: fs,
		Usage: "clear-completed [--queue <id>] [--age d | --all]",
		Short: "Drop completed work",
		Exec: func(ctx context.Context, env *Env, _ []string) error {
			if *all && fs.Changed("age") {
				return errors.New("--age and --all are exclusive")
			}
			var before time.Time
			if !*all {
				retention := env.Config.WorkQueue.CompletedRetention
				if fs.Changed("age") {
					retention = *age
				}
				before = time.Now().Add(-retention)
			}
			return withQueuing(ctx, env, func(q *workqueue.Queuing) error {
				ids, err := queueIDs(ctx, env, q, *queue)
				if err != nil {
					return err
				}
				for _, id := range ids {
					n, err := q.ClearCompletedWork(ctx, id, before)
					if err != nil {
						return err
					}
					fmt.Fprintf(env.Out, "%s: %d completed works cleared\n", id, n)
				}
				return nil
			})
		},
	}
}

func scheduleCmd() *Command {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	queue := fs.StringP("queue", "q", "", "queue id")
	category := fs.String("category", "", "work category, e.g. "+maintenance.CategoryRebuildReadACLs)
	title := fs.String("title", "", "work title")
	params := fs.StringToString("param", nil, "work parameter as key=value, repeatable")
	return &Command{
		Flags: fs,
		Usage: "schedule --queue <id> --category <c> [--param k=v]",
		Short: "Schedule a work for the server's pools",
		Long: "Schedule a work on a queue. Maintenance categories are " +
			maintenance.CategoryRebuildReadACLs + ", " + maintenance.CategoryCleanupDeleted +
			" and " + maintenance.CategoryClearCaches + ",\nwith the " +
			maintenance.ParamRepository + " parameter naming the repository.",
		Exec: func(ctx context.Context, env *Env, _ []string) error {
			if *queue == "" || *category == "" {
				return errors.New("--queue and --category are required")
			}
			return withQueuing(ctx, env, func(q *workqueue.Queuing) error {
				sq, err := q.GetScheduledQueue(*queue)
				if errors.Is(err, storeerr.ErrNotFound) {
					sq, err = q.InitScheduleQueue(*queue)
				}
				if err != nil {
					return err
				}
				w := workqueue.NewWork(*category, *title, *params)
				if err := sq.Offer(ctx, w); err != nil {
					return err
				}
				fmt.Fprintln(env.Out, w.ID)
				return nil
			})
		},
	}
}

func repositoryNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Repositories))
	for _, rc := range cfg.Repositories {
		names = append(names, rc.Name)
	}
	return names
}

// withRepository opens the named repository for the duration of fn
func withRepository(ctx context.Context, env *Env, name string, fn func(*storage.Repository) error) error {
	deps := config.Deps{Logger: env.Log}
	if rc := env.Config.Repository(name); rc != nil && rc.Clustering.Enabled {
		client := env.Config.RedisClient()
		defer client.Close()
		deps.Redis = client
	}
	repo, err := env.Config.OpenRepository(ctx, name, deps)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Shutdown(); err != nil {
			env.Log.WithError(err).WithField("repository", name).Warn("repository shutdown failed")
		}
	}()
	return fn(repo)
}

// withQueuing opens the work store for the duration of fn
func withQueuing(ctx context.Context, env *Env, fn func(*workqueue.Queuing) error) error {
	store, err := env.Config.OpenWorkStore(config.Deps{Logger: env.Log})
	if err != nil {
		return fmt.Errorf("failed to open work store: %w", err)
	}
	defer closeStore(store, env)
	q, err := env.Config.Queuing(store, config.Deps{Logger: env.Log})
	if err != nil {
		return err
	}
	return fn(q)
}

func closeStore(store kv.Store, env *Env) {
	if err := store.Close(); err != nil {
		env.Log.WithError(err).Warn("failed to close work store")
	}
}

// queueIDs returns only when it is set, otherwise the declared queues plus
// those with pending work in the store
func queueIDs(ctx context.Context, env *Env, q *workqueue.Queuing, only string) ([]string, error) {
	if only != "" {
		return []string{only}, nil
	}
	ids, err := q.QueueIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, qc := range env.Config.WorkQueue.Queues {
		ids = append(ids, qc.ID)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}
