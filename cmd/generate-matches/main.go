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
	"time"

	"landmarkpredict/pkg/config"
	"landmarkpredict/pkg/matcher"
)

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func main() {
	// Parse command line arguments
	patients := flag.String("patients", "", "Directory containing the target .key files")
	atlases := flag.String("atlases", "", "Directory containing the atlas .key files")
	output := flag.String("output", "", "Directory receiving one sub-directory of correspondence files per target")
	exe := flag.String("exe", "", "Path to the keypoint matching executable")
	noRotation := flag.Bool("no-rotation", false, "Disable rotation invariance in the matcher (-r-)")
	configPath := flag.String("config", "", "YAML configuration file")
	flag.Parse()

	if *patients == "" || *atlases == "" || *output == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *exe != "" {
		cfg.Matcher.Executable = *exe
	}
	if *noRotation {
		cfg.Matcher.NoRotation = true
	}
	if cfg.Matcher.Executable == "" {
		flag.Usage()
		os.Exit(1)
	}

	exePath, _ := filepath.Abs(cfg.Matcher.Executable)
	patientsDir, _ := filepath.Abs(*patients)
	atlasDir, _ := filepath.Abs(*atlases)
	outputDir, _ := filepath.Abs(*output)

	runner := &matcher.Runner{Exe: exePath, NoRotation: cfg.Matcher.NoRotation, AtlasDir: atlasDir}
	if err := runner.Validate(); err != nil {
		log.Fatalf("Fatal: %v", err)
	}

	targets, err := matcher.ListKeys(patientsDir)
	if err != nil {
		log.Fatalf("Failed to list targets: %v", err)
	}
	sources, err := matcher.ListKeys(atlasDir)
	if err != nil {
		log.Fatalf("Failed to list atlases: %v", err)
	}
	if len(targets) == 0 || len(sources) == 0 {
		log.Fatalf("No .key files found in the given directories")
	}

	fmt.Println("================================")
	fmt.Println("CORRESPONDENCE GENERATOR")
	fmt.Println("================================")
	if cfg.Matcher.NoRotation {
		fmt.Println("Mode    : rotation disabled (-r-)")
	} else {
		fmt.Println("Mode    : rotation enabled")
	}
	fmt.Printf("Targets : %d\n", len(targets))
	fmt.Printf("Atlases : %d\n", len(sources))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	startTime := time.Now()
	for i, target := range targets {
		targetID := matcher.SubjectID(target)
		targetDir := filepath.Join(outputDir, targetID)
		if err := os.MkdirAll(targetDir, 0755); err != nil {
			log.Fatalf("Failed to create %s: %v", targetDir, err)
		}
		fmt.Printf("\n[%d/%d] Target: %s\n", i+1, len(targets), targetID)

		for _, source := range sources {
			if ctx.Err() != nil {
				log.Fatalf("Interrupted")
			}
			_, atlasID := matcher.AtlasID(source)
			img1, img2 := matcher.MatchFiles(targetDir, atlasID)

			// A subject never serves as its own atlas; drop stale outputs.
			if matcher.SameSubject(targetID, atlasID) {
				os.Remove(img1)
				os.Remove(img2)
				continue
			}
			if exists(img1) && exists(img2) {
				continue
			}

			_, err := runner.Match(ctx, targetDir, target, source)
			switch {
			case err == nil:
				fmt.Printf("\r   -> vs %s : OK   ", atlasID)
			case errors.Is(err, matcher.ErrNoMatches):
				fmt.Printf("\r   -> vs %s : - (not found) ", atlasID)
			default:
				fmt.Printf(" [Error: %v]\n", err)
			}
			runner.Cleanup(targetDir, atlasDir, patientsDir)
		}
	}

	fmt.Printf("\n\nDone in %.1f minutes.\n", time.Since(startTime).Minutes())
}
