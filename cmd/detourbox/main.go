//
// Copyright 2024-2026 Detourbox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/detourbox/detourbox/detour"
	"github.com/detourbox/detourbox/domain"
	"github.com/detourbox/detourbox/manifest"
	"github.com/detourbox/detourbox/process"
	"github.com/detourbox/detourbox/report"
	"github.com/detourbox/detourbox/shim"
	"github.com/detourbox/detourbox/state"
	"github.com/detourbox/detourbox/sysio"
)

const usage = `detourbox file-access sandbox

detourbox mediates the file-system and process-creation activity of a
sandboxed child process tree against a controller-supplied File Access
Manifest, streaming access reports back to the controller.
`

// Globals to be populated at build time during Makefile processing.
var (
	version  string // extracted from VERSION file
	commitId string // latest git commit-id
	builtAt  string // build time
)

//
// detourbox exit handler goroutine.
//
func exitHandler(
	signalChan chan os.Signal,
	dts *detour.Service,
	rps *report.Service,
	prof interface{ Stop() }) {

	s := <-signalChan

	logrus.Warnf("detourbox caught signal: %s", s)

	var printStack = false
	switch s {
	case syscall.SIGABRT, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGSEGV:
		printStack = true
	}

	if printStack {
		stacktrace := make([]byte, 32768)
		length := runtime.Stack(stacktrace, true)
		logrus.Warnf("\n\n%s\n", string(stacktrace[:length]))
	}

	dts.ReportProcessExit(1)
	rps.Shutdown()

	if prof != nil {
		prof.Stop()
	}

	logrus.Info("Exiting ...")
	os.Exit(1)
}

// Run cpu / memory profiling collection.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {

	var prof interface{ Stop() }

	cpuProfOn := ctx.Bool("cpu-profiling")
	memProfOn := ctx.Bool("memory-profiling")

	// Cpu and Memory profiling options seem to be mutually excluded in pprof.
	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("Unsupported parameter combination: cpu and memory profiling")
	}

	if cpuProfOn {
		prof = profile.Start(
			profile.CPUProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
	}
	if memProfOn {
		prof = profile.Start(
			profile.MemProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
	}

	return prof, nil
}

// run wires the services and supervises the sandboxed root child.
func run(ctx *cli.Context) error {

	manifestPath := ctx.GlobalString("manifest")
	if manifestPath == "" {
		return fmt.Errorf("missing --manifest")
	}

	blob, err := ioutil.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("cannot read manifest %s: %v", manifestPath, err)
	}

	mst, err := manifest.Decode(blob)
	if err != nil {
		// A magic mismatch is surfaced through the pre-agreed
		// internal-error protocol before attachment fails.
		if magicErr, ok := err.(*manifest.MagicError); ok {
			ief := report.NewInternalErrorFile(
				ctx.GlobalString("internal-error-file"))
			ief.Write(magicErr.Code())
		}
		return fmt.Errorf("manifest decode failed: %v", err)
	}
	if mst.InternalErrorFile == "" {
		mst.InternalErrorFile = ctx.GlobalString("internal-error-file")
	}

	ios := sysio.NewIOService(domain.IOOsFileService)

	ief := report.NewInternalErrorFile(mst.InternalErrorFile)
	sink, err := report.OpenSink(&mst.Report)
	if err != nil {
		return fmt.Errorf("cannot open report sink: %v", err)
	}

	rps := report.NewService(&report.Config{
		Sink:           sink,
		PipID:          mst.PipID,
		InternalErrors: ief,
		OnFatal: func() {
			logrus.Fatal("Report channel failure threshold crossed. Exiting ...")
		},
	})

	hos := state.NewHandleOverlayService(
		mst.Flags.Has(manifest.UseExtraThreadToDrainNtClose))
	defer hos.Shutdown()

	pluginPath := mst.Shim.PluginDll64
	if runtime.GOARCH == "386" || runtime.GOARCH == "arm" {
		pluginPath = mst.Shim.PluginDll32
	}
	shimSvc := shim.NewService(mst.Shim, shim.LoadPlugin(pluginPath))

	prs := process.NewService(manifestPath)

	cwd, _ := os.Getwd()
	dts := detour.NewService()
	dts.Setup(mst, ios, rps, prs, hos, shimSvc, cwd)
	dts.Arm()

	prof, err := runProfiler(ctx)
	if err != nil {
		return err
	}

	var signalChan = make(chan os.Signal, 1)
	signal.Notify(
		signalChan,
		syscall.SIGABRT,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go exitHandler(signalChan, dts, rps, prof)

	// Launch the sandboxed root child, if one was requested.
	exitCode := uint32(0)
	if args := ctx.Args(); len(args) > 0 {
		launch := &domain.ProcessLaunch{
			CommandLine: shim.BuildCommandLine(args[0],
				joinArgs(args[1:])),
			WorkingDir:  cwd,
			Environment: os.Environ(),
		}
		info, werr := dts.CreateProcessW(&detour.Guard{}, launch)
		if werr != domain.ErrorSuccess {
			logrus.Errorf("Cannot launch %s: %v", args[0], werr)
			exitCode = uint32(werr)
		} else {
			logrus.Infof("Sandboxed child started: pid %d", info.Pid)
		}
	}

	dts.ReportProcessExit(exitCode)

	counters := rps.Counters()
	hits, misses := dts.Resolver().Cache().Stats()
	logrus.Infof("Reports emitted: %d (denied %d, sink errors %d); "+
		"reparse cache %d hits / %d misses",
		counters.Emitted, counters.Denied, counters.WriteErrors,
		hits, misses)

	rps.Shutdown()
	if prof != nil {
		prof.Stop()
	}
	return nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

//
// detourbox main function
//
func main() {

	app := cli.NewApp()
	app.Name = "detourbox"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "manifest",
			Usage: "path of the binary File Access Manifest payload",
		},
		cli.StringFlag{
			Name:  "internal-error-file",
			Usage: "fallback internal-error notification file (the manifest's own setting wins)",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	// show-version specialization.
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("detourbox\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n"+
			"\tbuilt at: \t%s\n",
			c.App.Version, commitId, builtAt)
	}

	// Define 'debug' and 'log' settings.
	app.Before = func(ctx *cli.Context) error {

		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(
				path,
				os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC,
				0666,
			)
			if err != nil {
				logrus.Fatalf(
					"Error opening log file %v: %v. Exiting ...",
					path, err,
				)
				return err
			}
			logrus.SetOutput(f)
		}

		switch ctx.GlobalString("log-format") {
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			logrus.SetFormatter(&logrus.TextFormatter{
				FullTimestamp: true,
			})
		}

		level, err := logrus.ParseLevel(ctx.GlobalString("log-level"))
		if err != nil {
			logrus.Fatalf(
				"Invalid log-level %v. Exiting ...",
				ctx.GlobalString("log-level"),
			)
			return err
		}
		logrus.SetLevel(level)

		return nil
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
