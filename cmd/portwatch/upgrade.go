package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chis/portwatch/internal/output"
	"github.com/chis/portwatch/internal/upgrade"
)

// runUpgradeCommand performs a single container upgrade from the CLI.
func runUpgradeCommand(args []string) error {
	fs := flag.NewFlagSet("upgrade", flag.ExitOnError)
	cfgPath := fs.String("config", configPath(), "Path to the YAML config file")
	instance := fs.String("instance", "", "Portainer instance URL (defaults to the only configured instance)")
	endpointID := fs.Int("endpoint", 1, "Portainer endpoint ID")
	containerID := fs.String("container", "", "Container ID to upgrade")
	targetImage := fs.String("image", "", "Target image reference, e.g. nginx:1.26")
	jsonOut := fs.Bool("json", false, "Emit JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *containerID == "" || *targetImage == "" {
		return fmt.Errorf("-container and -image are required")
	}

	svc, err := wireServices(*cfgPath)
	if err != nil {
		return err
	}
	defer svc.close()

	instanceURL := *instance
	if instanceURL == "" {
		if len(svc.instances) != 1 {
			return fmt.Errorf("-instance is required when %d instances are configured", len(svc.instances))
		}
		instanceURL = svc.instances[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	result, err := svc.upgrades.Upgrade(ctx, upgrade.Request{
		InstanceURL: instanceURL,
		EndpointID:  *endpointID,
		ContainerID: *containerID,
		TargetImage: *targetImage,
	})
	if err != nil {
		if *jsonOut {
			output.WriteJSONError(os.Stdout, err)
		}
		return err
	}

	if *jsonOut {
		return output.WriteJSONData(os.Stdout, result)
	}
	fmt.Printf("Upgraded %s\n", result.ContainerName)
	fmt.Printf("  Old image:     %s\n", result.OldImage)
	fmt.Printf("  New image:     %s\n", result.NewImage)
	fmt.Printf("  New container: %s\n", result.NewContainerID)
	fmt.Printf("  Operation:     %s\n", result.OperationID)
	return nil
}
