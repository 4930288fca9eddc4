package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"illustpub/internal/catalogue"
	"illustpub/internal/models"
)

type seedFile struct {
	Images []seedImage `yaml:"images"`
}

type seedImage struct {
	PID        int64    `yaml:"pid"`
	Tags       []string `yaml:"tags"`
	Popularity float64  `yaml:"popularity"`
	Author     string   `yaml:"author"`
	ImageURL   string   `yaml:"image_url"`
}

func newSeedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Insert or update catalogue records from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			var file seedFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parse seed file: %w", err)
			}

			store, err := catalogue.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			for i, img := range file.Images {
				if img.PID <= 0 {
					return fmt.Errorf("seed entry %d: pid must be positive", i)
				}
				rec := models.ImageRecord{
					PID:        img.PID,
					Tags:       img.Tags,
					Popularity: img.Popularity,
					Author:     img.Author,
					ImageURL:   img.ImageURL,
				}
				if err := store.Insert(cmd.Context(), rec); err != nil {
					return fmt.Errorf("seed pid %d: %w", img.PID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d images\n", len(file.Images))
			return nil
		},
	}
}
