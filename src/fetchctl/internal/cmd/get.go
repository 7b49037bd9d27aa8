package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bitswalk/fetchkit/src/common/cli"
	"github.com/bitswalk/fetchkit/src/fetchkit/cache"
	"github.com/bitswalk/fetchkit/src/fetchkit/db"
	"github.com/bitswalk/fetchkit/src/fetchkit/manager"
	"github.com/bitswalk/fetchkit/src/fetchkit/mirror"
	"github.com/bitswalk/fetchkit/src/fetchkit/processor"
	"github.com/bitswalk/fetchkit/src/fetchkit/queue"
	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

var getCmd = &cobra.Command{
	Use:   "get ID=URL [ID=URL...]",
	Short: "Download resources into the local cache",
	Long: `Download one or more resources into the local cache.

Each argument is a resource in ID=URL form. Additional mirrors for the same
ID can be given by repeating the ID; the first URL becomes the main mirror.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGet(cmd, args)
	},
}

func init() {
	getCmd.Flags().Bool("permanent", false, "Store under the durable support root instead of the cache root")
	getCmd.Flags().Bool("high", false, "Dispatch on the priority queue")
	getCmd.Flags().Duration("timeout", 30*time.Minute, "Overall timeout for the batch")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	resources, err := parseResources(args)
	if err != nil {
		return err
	}

	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	opts := resource.DefaultOptions()
	if permanent, _ := cmd.Flags().GetBool("permanent"); permanent {
		opts.StoragePriority = resource.StoragePermanent
	}
	prio := resource.PriorityNormal
	if high, _ := cmd.Flags().GetBool("high"); high {
		prio = resource.PriorityHigh
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	requests := eng.manager.Request(resources, opts)
	if len(requests) == 0 {
		log.Info("All resources already materialized", "count", len(resources))
		return nil
	}

	done := make(chan bool, len(requests))
	for _, req := range requests {
		eng.manager.AddResourceCompletion(req.Resource, func(success bool, id string) {
			if success {
				if url, ok := eng.manager.Cache().FileURL(id); ok {
					log.Info("Downloaded", "resource", id, "path", url)
				}
			} else {
				log.Error("Download failed", "resource", id)
			}
			done <- success
		})
	}

	eng.manager.ProcessAll(requests, prio)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	failures := 0
	for range requests {
		select {
		case success := <-done:
			if !success {
				failures++
			}
		case <-ctx.Done():
			eng.manager.CancelAll()
			return fmt.Errorf("timed out waiting for downloads: %w", ctx.Err())
		}
	}

	snap := eng.manager.Metrics()
	log.Info("Batch finished",
		"requested", snap.Requested,
		"completed", snap.DownloadCompleted,
		"failed", snap.Failed,
		"retried", snap.Retried,
		"bytes", snap.BytesTransferred)

	if failures > 0 {
		return fmt.Errorf("%d of %d downloads failed", failures, len(requests))
	}
	return nil
}

// parseResources turns ID=URL arguments into resource descriptors. Repeated
// ids contribute alternative mirrors with descending weights.
func parseResources(args []string) ([]resource.ResourceFile, error) {
	order := make([]string, 0, len(args))
	byID := make(map[string][]string)
	for _, arg := range args {
		id, url, ok := splitArg(arg)
		if !ok {
			return nil, fmt.Errorf("invalid resource argument %q (want ID=URL)", arg)
		}
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = append(byID[id], url)
	}

	resources := make([]resource.ResourceFile, 0, len(order))
	for _, id := range order {
		urls := byID[id]
		res := resource.ResourceFile{
			ID:   id,
			Main: resource.Mirror{ID: id + "-main", Location: urls[0]},
		}
		for i, url := range urls[1:] {
			res.Alternatives = append(res.Alternatives, resource.Mirror{
				ID:       fmt.Sprintf("%s-alt%d", id, i+1),
				Location: url,
				Info:     map[string]interface{}{resource.WeightKey: len(urls) - i},
			})
		}
		resources = append(resources, res)
	}
	return resources, nil
}

func splitArg(arg string) (id, url string, ok bool) {
	for i := 0; i < len(arg); i++ {
		if arg[i] == '=' {
			if i == 0 || i == len(arg)-1 {
				return "", "", false
			}
			return arg[:i], arg[i+1:], true
		}
	}
	return "", "", false
}

// engine bundles the wired-together components behind one close.
type engine struct {
	manager  *manager.Manager
	database *db.Database
}

func (e *engine) close() {
	if err := e.database.Shutdown(); err != nil {
		log.Warn("Database shutdown failed", "error", err)
	}
}

// buildEngine assembles the engine from viper configuration.
func buildEngine() (*engine, error) {
	database, err := db.New(db.Config{Path: cli.GetExpandedString("database.path")})
	if err != nil {
		return nil, err
	}

	stateDir := cli.GetExpandedString("storage.state_dir")
	httpProc, err := processor.NewHTTPProcessor(processor.HTTPConfig{
		Name:              "http",
		StateDir:          stateDir,
		RequestTimeout:    30 * time.Second,
		GlobalBytesPerSec: viper.GetInt64("throttle.global_bps"),
	})
	if err != nil {
		database.Shutdown()
		return nil, err
	}
	registry := processor.NewRegistry(httpProc)

	policy := mirror.NewWeightedPolicy(registry, mirror.Config{
		RetryBudget: viper.GetInt("mirror.retry_budget"),
	})

	repo := db.NewLocalFileRepository(database)
	store, err := cache.New(cache.Config{
		SupportDir: cli.GetExpandedString("storage.support_dir"),
		CacheDir:   cli.GetExpandedString("storage.cache_dir"),
	}, repo, policy, nil)
	if err != nil {
		database.Shutdown()
		return nil, err
	}

	normal := queue.NewQueue(context.Background(), queue.Config{
		Name:                  "normal",
		SimultaneousDownloads: viper.GetInt("queue.simultaneous"),
	}, registry, policy, store.RecoveredRequestResolver())

	priorityProc, err := processor.NewHTTPProcessor(func() processor.HTTPConfig {
		cfg := processor.HighPriorityHTTPConfig()
		cfg.StateDir = stateDir + "-priority"
		return cfg
	}())
	if err != nil {
		database.Shutdown()
		return nil, err
	}
	priorityRegistry := processor.NewRegistry(priorityProc)
	priority := queue.NewQueue(context.Background(), queue.Config{
		Name:                  "priority",
		SimultaneousDownloads: 30,
	}, priorityRegistry, policy, store.RecoveredRequestResolver())

	mgr := manager.New(store, policy, normal, priority)
	mgr.Resume()

	// Route package logs through the CLI logger.
	mirror.SetLogger(log)
	processor.SetLogger(log)
	queue.SetLogger(log)
	cache.SetLogger(log)
	manager.SetLogger(log)

	return &engine{manager: mgr, database: database}, nil
}
