/**
 * Image Translation Overlay - one-shot CLI
 *
 * Translates the text of a single local image and writes the overlay (or the
 * image with the overlay composited on top) as PNG. Uses the same settings
 * file and API key variables as the worker; no Redis or PostgreSQL needed.
 */

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/config"
	"github.com/adverant/nexus/imagetranslate-worker/internal/events"
	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
	"github.com/adverant/nexus/imagetranslate-worker/internal/overlay"
	"github.com/adverant/nexus/imagetranslate-worker/internal/processor"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	input := flag.String("input", "", "Path to the source image (png, jpeg, gif or webp)")
	output := flag.String("output", "overlay.png", "Path of the PNG to write")
	settingsPath := flag.String("settings", "", "YAML settings file (overrides SETTINGS_FILE)")
	target := flag.String("lang", "", "Target language code (overrides settings)")
	overlayOnly := flag.Bool("overlay-only", false, "Write only the transparent overlay instead of compositing")
	displayW := flag.Int("display-width", 0, "Displayed width in CSS pixels (default: natural width)")
	displayH := flag.Int("display-height", 0, "Displayed height in CSS pixels (default: natural height)")
	dpr := flag.Float64("dpr", 1, "Device pixel ratio of the output")
	boxesPath := flag.String("boxes", "", "Optional path to write the laid out boxes as JSON")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall timeout")
	flag.Parse()

	if *input == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(".env.nexus"); err != nil {
		log.Printf("Warning: .env.nexus not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

	path := cfg.SettingsFile
	if *settingsPath != "" {
		path = *settingsPath
	}
	settings, err := config.LoadSettings(path)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}
	if *target != "" {
		settings.TargetLanguage = *target
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", *input, err)
	}

	pipeline, err := processor.NewPipeline(processor.PipelineOptions{
		Config:   cfg,
		Settings: settings,
		Emitter:  events.NewLogEmitter(logging.NewLogger("overlay")),
	})
	if err != nil {
		log.Fatalf("Failed to initialize image pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	jobID := uuid.NewString()
	res, err := pipeline.Processor.Process(ctx, &processor.Request{
		JobID:  jobID,
		ItemID: jobID,
		Source: *input,
		Image:  data,
		Geometry: overlay.Geometry{
			DisplayW: *displayW,
			DisplayH: *displayH,
			DPR:      *dpr,
		},
		TargetLanguage: settings.TargetLanguage,
		Composite:      !*overlayOnly,
	})
	if err != nil && res == nil {
		log.Fatalf("Translation failed: %v", err)
	}
	if err != nil {
		log.Printf("Warning: %v (writing partial result)", err)
	}

	if res.Skipped != "" {
		fmt.Printf("Image skipped: %s\n", res.Skipped)
		return
	}

	if err := os.WriteFile(*output, res.OverlayPNG, 0o644); err != nil {
		log.Fatalf("Failed to write %s: %v", *output, err)
	}
	if *boxesPath != "" {
		boxes, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			log.Fatalf("Failed to encode boxes: %v", err)
		}
		if err := os.WriteFile(*boxesPath, boxes, 0o644); err != nil {
			log.Fatalf("Failed to write %s: %v", *boxesPath, err)
		}
	}

	fmt.Printf("Wrote %s: %d regions, %d boxes in %dms\n", *output, len(res.Regions), len(res.Boxes), res.ProcessingTimeMs)
}
