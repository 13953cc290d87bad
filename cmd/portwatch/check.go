package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/chis/portwatch/internal/output"
	"github.com/chis/portwatch/internal/query"
)

// runCheckCommand refreshes all instances once and prints the containers
// that have updates available.
func runCheckCommand(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	cfgPath := fs.String("config", configPath(), "Path to the YAML config file")
	instance := fs.String("instance", "", "Only check this Portainer instance URL")
	jsonOut := fs.Bool("json", false, "Emit JSON instead of a table")
	all := fs.Bool("all", false, "Show all containers, not only those with updates")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := wireServices(*cfgPath)
	if err != nil {
		return err
	}
	defer svc.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	snapshots, err := svc.queries.GetContainers(ctx, query.QueryOptions{
		ForceRefresh: true,
		InstanceURL:  *instance,
	})
	if err != nil {
		return err
	}

	if !*all {
		filtered := snapshots[:0]
		for _, snap := range snapshots {
			if snap.HasUpdate {
				filtered = append(filtered, snap)
			}
		}
		snapshots = filtered
	}

	if *jsonOut {
		return output.WriteJSONData(os.Stdout, map[string]interface{}{
			"containers": snapshots,
			"count":      len(snapshots),
		})
	}

	if len(snapshots) == 0 {
		fmt.Println("All containers are up to date.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTAINER\tINSTANCE\tIMAGE\tCURRENT\tLATEST\tUPDATE")
	for _, snap := range snapshots {
		update := ""
		if snap.HasUpdate {
			update = "yes"
		}
		latest := snap.LatestVersion
		if latest == "" {
			latest = shortDigest(snap.LatestDigest)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			snap.ContainerName, snap.InstanceURL, snap.ImageName,
			shortDigest(snap.CurrentDigest), latest, update)
	}
	return w.Flush()
}

func shortDigest(digest string) string {
	const prefix = "sha256:"
	if len(digest) > len(prefix)+12 {
		return digest[len(prefix) : len(prefix)+12]
	}
	return digest
}
