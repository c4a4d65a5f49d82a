package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"landmarkpredict/pkg/analysis"
	"landmarkpredict/pkg/config"
	"landmarkpredict/pkg/groundtruth"
	"landmarkpredict/pkg/matcher"
	"landmarkpredict/pkg/prediction"
	"landmarkpredict/pkg/visualization"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <results> <gt-target> <gt-source>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	// Parse command line arguments
	outputDir := flag.String("output-dir", ".", "Directory for the summary")
	nameCSV := flag.String("name-csv", "stats_K.csv", "Summary CSV file name")
	configPath := flag.String("config", "", "YAML configuration file")
	minSamples := flag.Int("min-samples", analysis.DefaultMinSamples, "RANSAC minimal sample size")
	threshold := flag.Float64("threshold", analysis.DefaultResidualThreshold, "RANSAC residual threshold")
	maxK := flag.Int("max-k", analysis.DefaultMaxK, "Largest K evaluated")
	preview := flag.Bool("preview", false, "Save projections of each fused prediction against ground truth")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 3 {
		flag.Usage()
		os.Exit(1)
	}
	resultsDir, gtTarget, gtSource := flag.Arg(0), flag.Arg(1), flag.Arg(2)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "min-samples":
			cfg.Sweep.MinSamples = *minSamples
		case "threshold":
			cfg.Sweep.ResidualThreshold = *threshold
		case "max-k":
			cfg.Sweep.MaxK = *maxK
		case "preview":
			cfg.Output.Preview = *preview
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	entries, err := os.ReadDir(resultsDir)
	if err != nil {
		log.Fatalf("Results directory not found: %v", err)
	}
	var subjects []string
	for _, e := range entries {
		if e.IsDir() {
			subjects = append(subjects, e.Name())
		}
	}
	sort.Strings(subjects)

	targetGT := &groundtruth.Resolver{Dir: gtTarget, Suffix: cfg.Prediction.GroundTruthSuffix, Extended: true}
	sourceGT := &groundtruth.Resolver{Dir: gtSource, Suffix: cfg.Prediction.GroundTruthSuffix, Extended: true}

	predictor, err := prediction.New(prediction.Params{
		K:           cfg.Sweep.MaxK,
		Estimator:   cfg.SweepEstimatorParams(),
		GroundTruth: sourceGT,
	})
	if err != nil {
		log.Fatalf("Fatal: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("K INFLUENCE ANALYSIS")
	fmt.Println("================================")
	fmt.Printf("Analysing %d directories...\n", len(subjects))

	sweep := analysis.NewSweep(cfg.Sweep.MaxK)
	for i, subject := range subjects {
		fmt.Printf("[%d] %s...", i+1, subject)

		truth, err := targetGT.Resolve(subject)
		if err != nil {
			fmt.Println(" FAILED (no target ground truth)")
			continue
		}
		pairs, err := matcher.PairFiles(filepath.Join(resultsDir, subject))
		if err != nil || len(pairs) == 0 {
			fmt.Println(" FAILED (no correspondences)")
			continue
		}
		res, err := predictor.PredictSubject(subject, pairs)
		if err != nil {
			fmt.Println(" FAILED (no candidates)")
			continue
		}
		curve, err := analysis.ErrorsByK(res.Ranked, truth, cfg.Sweep.MaxK)
		if err != nil {
			fmt.Printf(" FAILED (%v)\n", err)
			continue
		}
		sweep.Add(curve)
		fmt.Println(" OK")

		if cfg.Output.Preview {
			viewer := visualization.NewViewer(1,
				visualization.Layer{Points: truth, Color: visualization.GroundTruthColor},
				visualization.Layer{Points: res.Prediction, Color: visualization.PredictionColor},
			)
			if _, err := viewer.SaveProjections(filepath.Join(*outputDir, "preview"), subject); err != nil {
				log.Printf("Warning: failed to save preview for %s: %v", subject, err)
			}
		}
	}

	if sweep.Subjects() == 0 {
		fmt.Println("\nNo subject analysed successfully.")
		return
	}

	stats := sweep.Summarize()
	csvPath := filepath.Join(*outputDir, *nameCSV)
	if err := analysis.WriteCSVFile(csvPath, stats); err != nil {
		log.Fatalf("Failed to write summary: %v", err)
	}
	fmt.Printf("\nSummary saved: %s\n", csvPath)

	if best, ok := analysis.Best(stats); ok {
		fmt.Printf("Best K = %d (mean TRE %.4f, std %.4f, %d subjects)\n", best.K, best.Mean, best.Std, best.N)
	}
}
