package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/strata/internal/cluster"
	"github.com/lazypower/strata/internal/config"
	"github.com/lazypower/strata/internal/graph"
	"github.com/lazypower/strata/internal/registry"
	"github.com/lazypower/strata/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registry and cluster status of a running node",
	RunE:  runStatus,
}

func init() {
	addEndpointFlag(statusCmd)
	statusCmd.Flags().Bool("offline", false, "read the local database files instead of a running node")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if offline, _ := cmd.Flags().GetBool("offline"); offline {
		return runOfflineStatus(cmd.OutOrStdout())
	}

	client, endpoint, err := nodeClient(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	st, err := client.FetchStats(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("fetch stats from %s: %w", endpoint, err)
	}
	printStats(cmd.OutOrStdout(), endpoint, st)

	h, err := client.FetchHealth(ctx, endpoint)
	var se *cluster.StatusError
	if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
		fmt.Fprintln(cmd.OutOrStdout(), "\ncluster: disabled")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch cluster health: %w", err)
	}
	printHealth(cmd.OutOrStdout(), h, time.Now())
	return nil
}

func printStats(w io.Writer, endpoint string, st registry.Stats) {
	fmt.Fprintf(w, "node %s (initialized: %v)\n\n", endpoint, st.Initialized)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tNODES\tEDGES")
	for _, t := range graph.Tiers {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t, humanize.Comma(int64(st.Nodes[t])), humanize.Comma(int64(st.Edges[t])))
	}
	tw.Flush()
	fmt.Fprintf(w, "\nwrites: %s completed, %s failed, %d pending\n",
		humanize.Comma(st.CompletedWrites), humanize.Comma(st.FailedWrites), st.PendingWrites)
}

func printHealth(w io.Writer, h cluster.Health, now time.Time) {
	fmt.Fprintf(w, "\ncluster: %d healthy, %d unhealthy, consistency %.0f%% (%d objects over %d peers)\n",
		h.Healthy, h.Unhealthy, h.Consistency*100, h.Compared, h.Sampled)
	if len(h.Members) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tENDPOINT\tHEALTHY\tLAST SEEN")
	for _, m := range h.Members {
		seen := "never"
		if !m.LastHeartbeat.IsZero() {
			seen = humanize.RelTime(m.LastHeartbeat, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", m.NodeID, m.Endpoint, m.Healthy, seen)
	}
	tw.Flush()
}

func runOfflineStatus(w io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	durablePath, cachePath, err := dbPaths(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, f := range []struct {
		path  string
		cache bool
	}{{durablePath, false}, {cachePath, true}} {
		if _, err := os.Stat(f.path); err != nil {
			fmt.Fprintf(w, "%s: not found\n", f.path)
			continue
		}
		db, err := store.Open(f.path)
		if err != nil {
			return fmt.Errorf("open %s: %w", f.path, err)
		}
		b := store.NewDurable(db)
		if f.cache {
			b = store.NewCache(db, config.Duration(cfg.Cache.TTL, store.DefaultCacheTTL))
		}
		st, err := b.Stats(ctx)
		db.Close()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %s: %s nodes, %s edges, %s\n",
			st.Kind, f.path, humanize.Comma(int64(st.Nodes)), humanize.Comma(int64(st.Edges)), humanize.Bytes(uint64(st.Bytes)))
	}
	return nil
}
