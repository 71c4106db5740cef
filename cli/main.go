package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/tunnelbench/tunnelbench/config"
	"github.com/tunnelbench/tunnelbench/deploy"
	"github.com/tunnelbench/tunnelbench/lifecycle"
	"github.com/tunnelbench/tunnelbench/provisioner"
	"github.com/tunnelbench/tunnelbench/report"
	"github.com/tunnelbench/tunnelbench/retry"
	"github.com/tunnelbench/tunnelbench/scenario"
	"github.com/tunnelbench/tunnelbench/tool"
	"github.com/tunnelbench/tunnelbench/vpn"
)

func main() {
	configPath := flag.String("config", "", "The run configuration file. Required.")
	dryRun := flag.Bool("dry-run", false, "Run the full pipeline against a fake provisioner with canned tool output. No cloud resources are created.")
	resumeDir := flag.String("resume", "", "Resume the run whose manifest lives in this directory. Already-succeeded scenarios are skipped.")
	exportOnly := flag.Bool("export", false, "Only export the measurements in the manifest (see -resume) to CSV, then exit.")
	uploadBucket := flag.String("upload-bucket", "", "Upload run artifacts to this S3 bucket when the run finishes. Overrides the config value.")
	progress := flag.Bool("progress", true, "Show a progress bar over the scenario matrix.")
	verbose := flag.Bool("verbose", true, "Log at debug level.")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *exportOnly {
		if *resumeDir == "" {
			fatal(fmt.Errorf("-export requires -resume to locate the manifest"))
		}
		store, err := report.OpenManifestStore(*resumeDir)
		if err != nil {
			fatal(err)
		}
		if err := exportCSV(store); err != nil {
			fatal(err)
		}
		return
	}

	if *configPath == "" {
		fatal(fmt.Errorf("config is a required flag"))
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *uploadBucket != "" {
		cfg.Run.UploadBucket = *uploadBucket
	}

	stacks := []vpn.Stack{}
	stackNames := []string{}
	for _, v := range cfg.VPNs {
		s, err := vpn.NewStack(v.Type, v.Input)
		if err != nil {
			fatal(err)
		}
		stacks = append(stacks, s)
		stackNames = append(stackNames, s.GetName())
	}

	tools := []tool.Tool{}
	toolNames := []string{}
	for _, t := range cfg.Tools {
		tl, err := tool.NewTool(t.Type, t.Input)
		if err != nil {
			fatal(err)
		}
		tools = append(tools, tl)
		toolNames = append(toolNames, tl.GetName())
	}

	exclusions := []scenario.Exclusion{}
	for _, e := range cfg.Exclude {
		exclusions = append(exclusions, scenario.Exclusion{VPN: e.VPN, Topology: e.Topology, Tool: e.Tool})
	}
	scenarios := scenario.Enumerate(stackNames, cfg.Topologies, toolNames, cfg.Directions, exclusions)
	slog.Info("enumerated scenario matrix", slog.Int("scenarios", len(scenarios)))

	var store *report.ManifestStore
	if *resumeDir != "" {
		store, err = report.OpenManifestStore(*resumeDir)
	} else {
		store, err = report.NewManifestStore(cfg.Run.ResultDir)
	}
	if err != nil {
		fatal(err)
	}

	input := &lifecycle.PipelineInput{
		FleetSpec:        cfg.Fleet,
		Stacks:           stacks,
		Tools:            tools,
		Scenarios:        scenarios,
		AttemptTimeout:   cfg.Run.AttemptTimeout.Std(),
		ProvisionTimeout: cfg.Run.ProvisionTimeout.Std(),
		DeployTimeout:    cfg.Run.DeployTimeout.Std(),
		RetryPolicy:      retry.Fixed(cfg.Run.Retry.Retries+1, cfg.Run.Retry.Backoff.Std()),
		Concurrency:      cfg.Run.Concurrency,
		ShowProgress:     *progress,
	}

	var prov provisioner.Provisioner
	if *dryRun {
		fake := provisioner.NewFakeProvisioner()
		scriptDryRunTargets(fake, cfg)
		prov = fake
		input.DriverOpts = []deploy.DriverOption{
			deploy.WithTCPProbe(func(string, int, time.Duration) bool { return true }),
			deploy.WithRetryPolicy(retry.Fixed(2, 10*time.Millisecond)),
		}
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Fleet.Region))
		if err != nil {
			fatal(err)
		}
		prov = provisioner.NewEC2Provisioner(&provisioner.EC2ProvisionerInput{AwsConfig: awsCfg})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	guard := lifecycle.NewGuard(prov, store)
	runErr := guard.Run(ctx, input)

	if err := exportCSV(store); err != nil {
		slog.Error("CSV export failed", slog.String("error", err.Error()))
	}

	if cfg.Run.UploadBucket != "" && !*dryRun {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Fleet.Region))
		if err != nil {
			slog.Error("artifact upload failed", slog.String("error", err.Error()))
		} else {
			uploader := report.NewS3Uploader(awsCfg, cfg.Run.UploadBucket)
			manifest := store.Manifest()
			if err := uploader.UploadRun(context.Background(), manifest.RunID, store.Dir()); err != nil {
				slog.Error("artifact upload failed", slog.String("error", err.Error()))
			}
		}
	}

	if runErr != nil {
		fatal(runErr)
	}
	slog.Info("run complete", slog.String("manifest", store.Path()))
}

func exportCSV(store *report.ManifestStore) error {
	manifest := store.Manifest()
	f, err := os.Create(path.Join(store.Dir(), "measurements.csv"))
	if err != nil {
		return err
	}
	defer f.Close()
	return report.WriteCSV(f, manifest.Measurements)
}

func fatal(err error) {
	slog.Error(err.Error())
	os.Exit(1)
}
