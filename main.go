package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the command line flags into the App.
type AppOptions struct {
	ConfigFile string
	LayerPath  string
	RedisLayer string
	LayerURL   string
	Policy     string
	Engine     string
	OutputDir  string
	LogLevel   string
	CheckOnly  bool
	ServeMode  bool
	HttpPort   int
}

// Application is what run dispatches to.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunReconcile() error
	RunCheckOnly() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "geomfix: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("geomfix", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", defaultConfigFile, "Path to configuration file")
	fs.StringVar(&opts.LayerPath, "layer", "", "GeoJSON layer file to reconcile")
	fs.StringVar(&opts.RedisLayer, "redis-layer", "", "Name of a layer in the Redis store")
	fs.StringVar(&opts.LayerURL, "url", "", "URL of a GeoJSON layer to fetch")
	fs.StringVar(&opts.Policy, "policy", "", "Reconciliation policy: replace, append_preserve or inplace_then_append")
	fs.StringVar(&opts.Engine, "engine", "", "Geometry engine (planar, or geos when built with -tags geos)")
	fs.StringVar(&opts.OutputDir, "output", "", "Directory for report artefacts")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&opts.CheckOnly, "check-only", false, "Report invalid geometries without changing the layer")
	fs.BoolVar(&opts.ServeMode, "serve", false, "Run the HTTP API and MQTT command service")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default from config, 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 && opts.LayerPath == "" {
		opts.LayerPath = fs.Arg(0)
	}

	fmt.Fprintf(out, "geomfix version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.ServeMode:
		return app.RunService()
	case opts.CheckOnly:
		return app.RunCheckOnly()
	}
	return app.RunReconcile()
}
