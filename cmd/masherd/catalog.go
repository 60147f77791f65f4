package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cordum/masher/core/catalog"
	"github.com/cordum/masher/core/infra/config"
	"github.com/cordum/masher/core/infra/redisutil"
)

// catalogFile is the YAML layout accepted by "catalog load".
type catalogFile struct {
	Releases []*catalog.Release `yaml:"releases"`
	Updates  []*catalog.Update  `yaml:"updates"`
}

var (
	catalogCmd = &cobra.Command{
		Use:   "catalog",
		Short: "Manage the update catalog",
	}

	catalogLoadCmd = &cobra.Command{
		Use:   "load FILE",
		Short: "Load releases and updates from YAML into Redis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var file catalogFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			client, err := redisutil.NewClient(config.Load().RedisURL)
			if err != nil {
				return err
			}
			defer client.Close()
			n, err := loadCatalog(cmd.Context(), catalog.NewRedisCatalog(client), &file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d releases and %d updates\n", len(file.Releases), n)
			return nil
		},
	}
)

func loadCatalog(ctx context.Context, w catalog.Writer, file *catalogFile) (int, error) {
	for _, rel := range file.Releases {
		if err := w.PutRelease(ctx, rel); err != nil {
			return 0, fmt.Errorf("release %s: %w", rel.Name, err)
		}
	}
	for i, upd := range file.Updates {
		if err := w.PutUpdate(ctx, upd); err != nil {
			return i, fmt.Errorf("update %s: %w", upd.Title, err)
		}
	}
	return len(file.Updates), nil
}
