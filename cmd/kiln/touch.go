package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/reload"
)

func newTouchCommand() *cobra.Command {
	var (
		configPath string
		appName    string
	)

	cmd := &cobra.Command{
		Use:   "touch [marker]",
		Short: "Bump restart markers so their runtimes restart",
		Long: "Bump the given marker file, or with --config the marker of every app\n" +
			"in the file (or only --app). Creates the marker and its directory if needed.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var paths []string
			switch {
			case len(args) == 1 && configPath != "":
				return fmt.Errorf("give either a marker or --config, not both")
			case len(args) == 1:
				paths = args
			case configPath != "":
				var err error
				paths, err = markerPaths(configPath, appName)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("a marker path or --config is required")
			}

			for _, p := range paths {
				if err := reload.Touch(p); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "application config file")
	cmd.Flags().StringVar(&appName, "app", "", "only touch this app's marker")
	return cmd
}

// markerPaths returns the distinct marker paths of the apps in a config file.
func markerPaths(path, only string) ([]string, error) {
	f, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}

	apps := f.Apps
	if only != "" {
		a, ok := f.App(only)
		if !ok {
			return nil, fmt.Errorf("app %q not found in %s", only, path)
		}
		apps = []config.AppConfig{a}
	}

	seen := make(map[string]bool)
	var paths []string
	for _, a := range apps {
		s, err := config.ParseRuntimeSettings(f.View(a))
		if err != nil {
			return nil, fmt.Errorf("app %q: %w", a.Name, err)
		}
		p := s.MarkerPath()
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths, nil
}
