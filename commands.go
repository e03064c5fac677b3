package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"

	"web/clustermap/cluster"
	"web/clustermap/runner"
	"web/clustermap/server"
	"web/clustermap/source"
)

func newBuildCommand() *cobra.Command {
	var (
		points    string
		numPoints int
		seed      int64
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a cluster index and save it as a snapshot",
		Long: "Build a cluster index from a points file or URL, or from generated\n" +
			"points when --num is given, and save it to data.snapshot_dir.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig("clustermap-build", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if points == "" && numPoints == 0 {
				points = cfg.Data.Points
			}

			r, err := runner.New(runner.Config{
				Dir:            cfg.Data.SnapshotDir,
				MaxIndexes:     1,
				Options:        cfg.Cluster,
				AllowAnySource: true,
				MaxPoints:      cfg.Runner.MaxPoints,
			}, log, nil)
			if err != nil {
				return err
			}
			defer r.Close()

			resp, err := r.Build(cmd.Context(), &runner.BuildRequest{Source: points, NumPoints: numPoints, Seed: seed})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d points\t%d invalid\t%s\n",
				resp.Index.ID, resp.Index.NumPoints, resp.Invalid, resp.Index.Size)
			return nil
		},
	}
	cmd.Flags().StringVar(&points, "points", "", "points file or URL (defaults to data.points)")
	cmd.Flags().IntVar(&numPoints, "num", 0, "generate this many points in the continental US instead")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed for generated points")
	return cmd
}

func newExportCommand() *cobra.Command {
	var (
		snapshot string
		details  string
		format   string
		out      string
		limit    int
		bound    [4]float64
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the points of a snapshot inside a bounding box as CSV or JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("format must be csv or json, got %q", format)
			}
			cfg, log, err := loadConfig("clustermap-export", cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			var idx *cluster.Index
			if snapshot != "" {
				store, err := runner.NewStore(cfg.Data.SnapshotDir)
				if err != nil {
					return err
				}
				if idx, _, err = store.Open(snapshot); err != nil {
					return err
				}
			} else {
				if cfg.Data.Points == "" {
					return fmt.Errorf("either --snapshot or data.points is required")
				}
				points, err := source.LoadPoints(cmd.Context(), source.DefaultClient, cfg.Data.Points)
				if err != nil {
					return err
				}
				idx, _ = cluster.Build(points, cfg.Cluster)
			}

			if details == "" {
				details = cfg.Data.Details
			}
			var records []source.DetailRecord
			if details != "" {
				if records, err = source.LoadDetails(cmd.Context(), source.DefaultClient, details); err != nil {
					log.WithError(err).Warn("exporting without details")
				}
			}

			b := orb.Bound{Min: orb.Point{bound[0], bound[1]}, Max: orb.Point{bound[2], bound[3]}}
			rows := server.ExportRows(idx, records, b, limit)

			var w io.Writer = cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if format == "csv" {
				err = server.WriteCSV(w, rows)
			} else {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				err = enc.Encode(rows)
			}
			if err != nil {
				return err
			}
			log.WithFields(map[string]interface{}{"rows": len(rows), "format": format}).Info("export written")
			return nil
		},
	}
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "snapshot id to export (defaults to building from data.points)")
	cmd.Flags().StringVar(&details, "details", "", "details file or URL (defaults to data.details)")
	cmd.Flags().StringVar(&format, "format", "csv", "csv or json")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (defaults to stdout)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows, 0 for all")
	cmd.Flags().Float64Var(&bound[0], "west", -180, "west edge")
	cmd.Flags().Float64Var(&bound[1], "south", -90, "south edge")
	cmd.Flags().Float64Var(&bound[2], "east", 180, "east edge")
	cmd.Flags().Float64Var(&bound[3], "north", 90, "north edge")
	return cmd
}
