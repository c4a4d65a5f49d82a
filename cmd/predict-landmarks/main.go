package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"landmarkpredict/internal/models"
	"landmarkpredict/pkg/config"
	"landmarkpredict/pkg/fcsv"
	"landmarkpredict/pkg/groundtruth"
	"landmarkpredict/pkg/matcher"
	"landmarkpredict/pkg/prediction"
	"landmarkpredict/pkg/visualization"
	"landmarkpredict/pkg/workspace"
)

// matcherSource runs the matcher for every atlas inside a fresh workspace.
// The matcher writes its output next to the atlas key under a name derived
// from the atlas only, so runs against the same atlas are serialised.
type matcherSource struct {
	runner    *matcher.Runner
	keys      map[string]string
	atlasKeys []string
	locks     map[string]*sync.Mutex
	root      string
	keep      bool
}

func (s *matcherSource) match(ctx context.Context, workDir, targetKey, atlasKey string) (models.AtlasInput, error) {
	mu := s.locks[atlasKey]
	mu.Lock()
	defer mu.Unlock()
	defer s.runner.Cleanup(workDir, s.runner.AtlasDir)
	return s.runner.Match(ctx, workDir, targetKey, atlasKey)
}

func (s *matcherSource) Atlases(ctx context.Context, subjectID string) ([]models.AtlasInput, func(), error) {
	ws, err := workspace.Acquire(s.root, subjectID)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if s.keep {
			return
		}
		if err := ws.Release(); err != nil {
			log.Printf("Warning: failed to remove workspace %s: %v", ws.Dir, err)
		}
	}

	var inputs []models.AtlasInput
	for _, atlasKey := range s.atlasKeys {
		_, atlasID := matcher.AtlasID(atlasKey)
		if matcher.SameSubject(subjectID, atlasID) {
			inputs = append(inputs, models.AtlasInput{AtlasID: atlasID})
			continue
		}
		in, err := s.match(ctx, ws.Dir, s.keys[subjectID], atlasKey)
		if ctx.Err() != nil {
			return nil, release, ctx.Err()
		}
		if err != nil && !errors.Is(err, matcher.ErrNoMatches) {
			log.Printf("Warning: %s vs %s: %v", subjectID, atlasID, err)
		}
		// Missing files are classified by the predictor.
		inputs = append(inputs, in)
	}
	return inputs, release, nil
}

// matchesSource reads correspondence files generated beforehand, one
// directory per subject.
type matchesSource struct {
	dir string
}

func (s *matchesSource) Atlases(ctx context.Context, subjectID string) ([]models.AtlasInput, func(), error) {
	inputs, err := matcher.PairFiles(filepath.Join(s.dir, subjectID))
	return inputs, nil, err
}

func main() {
	// Parse command line arguments
	input := flag.String("input", "", "Target .key file or directory of target .key files")
	atlasDir := flag.String("atlas-dir", "", "Directory containing atlas .key files and their ground-truth .fcsv")
	outputDir := flag.String("output", "predictions", "Directory for predicted .fcsv files")
	exe := flag.String("exe", "", "Path to the keypoint matching executable")
	matchesDir := flag.String("matches", "", "Use correspondence files generated beforehand (one sub-directory per subject) instead of running the matcher")
	configPath := flag.String("config", "", "YAML configuration file")
	k := flag.Int("k", 12, "Number of top atlases fused into the consensus")
	minSamples := flag.Int("min-samples", 5, "RANSAC minimal sample size")
	threshold := flag.Float64("threshold", 15.0, "RANSAC residual threshold")
	noRotation := flag.Bool("no-rotation", false, "Disable rotation invariance in the matcher (-r-)")
	workers := flag.Int("workers", 1, "Number of subjects processed concurrently")
	keepWorkspace := flag.Bool("keep-workspace", false, "Keep per-subject scratch directories")
	preview := flag.Bool("preview", false, "Save projection images of each prediction")
	quiet := flag.Bool("quiet", false, "Do not print per-atlas progress")
	flag.Parse()

	if *input == "" || *atlasDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Explicit flags win over the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "k":
			cfg.Prediction.K = *k
		case "min-samples":
			cfg.Ransac.MinSamples = *minSamples
		case "threshold":
			cfg.Ransac.ResidualThreshold = *threshold
		case "no-rotation":
			cfg.Matcher.NoRotation = *noRotation
		case "workers":
			cfg.Processing.Workers = *workers
		case "keep-workspace":
			cfg.Processing.KeepWorkspace = *keepWorkspace
		case "preview":
			cfg.Output.Preview = *preview
		case "quiet":
			cfg.Output.Verbose = !*quiet
		case "exe":
			cfg.Matcher.Executable = *exe
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.Matcher.Executable == "" && *matchesDir == "" {
		log.Fatalf("Fatal: either -exe, matcher.executable or -matches is required")
	}

	absAtlas, err := filepath.Abs(*atlasDir)
	if err != nil {
		log.Fatalf("Failed to resolve atlas directory: %v", err)
	}
	absOutput, err := filepath.Abs(*outputDir)
	if err != nil {
		log.Fatalf("Failed to resolve output directory: %v", err)
	}
	if err := os.MkdirAll(absOutput, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	targets, err := matcher.ListKeys(*input)
	if err != nil {
		log.Fatalf("Failed to list targets: %v", err)
	}
	if len(targets) == 0 {
		log.Fatalf("No target .key files found in %s", *input)
	}

	var source prediction.AtlasSource
	var workRoot string
	if *matchesDir != "" {
		source = &matchesSource{dir: *matchesDir}
	} else {
		exePath, err := filepath.Abs(cfg.Matcher.Executable)
		if err != nil {
			log.Fatalf("Failed to resolve executable: %v", err)
		}
		runner := &matcher.Runner{Exe: exePath, NoRotation: cfg.Matcher.NoRotation, AtlasDir: absAtlas}
		if err := runner.Validate(); err != nil {
			log.Fatalf("Fatal: %v", err)
		}
		atlasKeys, err := matcher.ListKeys(absAtlas)
		if err != nil || len(atlasKeys) == 0 {
			log.Fatalf("Fatal: no atlas .key files found in %s", absAtlas)
		}
		root := cfg.Processing.WorkspaceDir
		if root == "" {
			root = filepath.Join(absOutput, "temp_prediction_workspace")
			if !cfg.Processing.KeepWorkspace {
				workRoot = root
			}
		}
		ms := &matcherSource{
			runner:    runner,
			keys:      make(map[string]string),
			atlasKeys: atlasKeys,
			locks:     make(map[string]*sync.Mutex),
			root:      root,
			keep:      cfg.Processing.KeepWorkspace,
		}
		for _, key := range atlasKeys {
			ms.locks[key] = &sync.Mutex{}
		}
		source = ms
	}

	var subjects []prediction.Subject
	for _, key := range targets {
		abs, err := filepath.Abs(key)
		if err != nil {
			log.Fatalf("Failed to resolve %s: %v", key, err)
		}
		id := matcher.SubjectID(abs)
		if ms, ok := source.(*matcherSource); ok {
			ms.keys[id] = abs
		}
		subjects = append(subjects, prediction.Subject{ID: id, Source: source})
	}

	resolver := groundtruth.NewResolver(absAtlas)
	resolver.Suffix = cfg.Prediction.GroundTruthSuffix

	params := prediction.Params{
		K:           cfg.Prediction.K,
		Estimator:   cfg.EstimatorParams(),
		GroundTruth: resolver,
		Workers:     cfg.Processing.Workers,
	}
	if cfg.Output.Verbose {
		params.Progress = func(ev models.Progress) {
			fmt.Print(ev.Outcome.Glyph())
		}
	}
	predictor, err := prediction.New(params)
	if err != nil {
		log.Fatalf("Fatal: %v", err)
	}

	fmt.Println("================================")
	fmt.Printf("MULTI-ATLAS LANDMARK PREDICTION (K=%d)\n", cfg.Prediction.K)
	fmt.Println("================================")
	fmt.Printf("Targets  : %d\n", len(subjects))
	fmt.Printf("Atlas dir: %s\n", absAtlas)
	if cfg.Matcher.NoRotation {
		fmt.Println("Option   : rotation disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	startTime := time.Now()
	outcomes := predictor.PredictBatch(ctx, subjects)
	fmt.Println()
	if workRoot != "" {
		os.RemoveAll(workRoot)
	}

	succeeded := 0
	for _, o := range outcomes {
		if o.Err != nil {
			log.Printf("[%s] no prediction: %v", o.SubjectID, o.Err)
			continue
		}
		res := o.Result
		outPath := filepath.Join(absOutput, fcsv.PredictedName(res.SubjectID))
		if err := fcsv.WriteFile(outPath, res.Prediction); err != nil {
			log.Printf("[%s] failed to write prediction: %v", res.SubjectID, err)
			continue
		}
		succeeded++
		fmt.Printf("[%s] fused %d atlases (max inliers %d, %d/%d atlases usable)\n",
			res.SubjectID, res.Used, res.MaxInliers, res.Stats[models.OutcomeOK], res.Stats.Total())
		fmt.Printf("  -> saved: %s\n", outPath)

		if cfg.Output.Preview {
			viewer := visualization.NewViewer(1, visualization.Layer{
				Points: res.Prediction,
				Color:  visualization.PredictionColor,
			})
			previewDir := filepath.Join(absOutput, "preview")
			if _, err := viewer.SaveProjections(previewDir, res.SubjectID); err != nil {
				log.Printf("Warning: failed to save preview for %s: %v", res.SubjectID, err)
			}
		}
	}

	fmt.Printf("\nPredicted %d/%d subjects in %.1f minutes.\n",
		succeeded, len(outcomes), time.Since(startTime).Minutes())
	if succeeded == 0 {
		os.Exit(1)
	}
}
