// Command panorecorder drives the panorama recorder/stitcher pipeline
// from the command line: replay a directory of captured frames through
// the recorder, or render a standalone debug view of the recorder graph.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dscvr/panostitch/checkpoint"
	"github.com/dscvr/panostitch/config"
	"github.com/dscvr/panostitch/httpserver"
	"github.com/dscvr/panostitch/pano"
	"github.com/dscvr/panostitch/pipeline"
	"github.com/dscvr/panostitch/telemetry"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configFile  = flag.String("config", "config.yaml", "Path to YAML recorder configuration")
	recordDir   = flag.String("record-dir", "", "Directory of captured frames to replay through the recorder")
	outputDir   = flag.String("output-dir", "", "Checkpoint directory to persist raw images, rings, and the final composite")
	debugDir    = flag.String("debug-dir", "", "Optional directory to write a JPEG of every accepted frame")
	renderGraph = flag.String("render-graph", "", "Render the recorder graph's selection points as a debug SVG (PNG for a .png path) to this path and exit")
	httpAddr    = flag.String("http-addr", "", "If set, serve the live recorder graph and final composite over HTTP on this address during --record-dir replay")
)

func main() {
	flag.Parse()
	fmt.Printf("panorecorder version: %s\n", Version)

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	graph, err := pano.GenerateRecorderGraph(cfg.Camera.Intrinsics(), cfg.Camera.Width, cfg.Camera.Height, cfg.GraphMode())
	if err != nil {
		log.Fatalf("generating recorder graph: %v", err)
	}

	if *renderGraph != "" {
		runRenderGraph(graph, cfg)
		return
	}

	if *recordDir != "" {
		runReplay(graph, cfg)
		return
	}

	flag.Usage()
}

func runRenderGraph(graph *pano.RecorderGraph, cfg *config.Config) {
	eqCanvas := pano.EquirectCanvas{Width: cfg.Canvas.Width, Height: cfg.Canvas.Height}
	renderer := pano.NewGraphDebugRenderer(graph, eqCanvas)

	f, err := os.Create(*renderGraph)
	if err != nil {
		log.Fatalf("creating %s: %v", *renderGraph, err)
	}
	defer f.Close()

	var renderErr error
	if strings.HasSuffix(*renderGraph, ".png") {
		renderErr = renderer.RenderPNG(f, nil)
	} else {
		renderErr = renderer.RenderSVG(f, nil)
	}
	if renderErr != nil {
		log.Fatalf("rendering graph: %v", renderErr)
	}
	fmt.Printf("wrote recorder graph debug view to %s\n", *renderGraph)
}

// rawFrameManifest is the on-disk schema for one frame in --record-dir,
// paired with a same-stem pixel file the colorspace/width/height describe.
type rawFrameManifest struct {
	ID         uint64       `json:"id"`
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	Colorspace string       `json:"colorspace"` // rgb | rgba | bgra
	Portrait   bool         `json:"portrait"`
	Platform   string       `json:"platform"` // ios | android
	Timestamp  float64      `json:"timestamp"`
	Sensor     [16]float64  `json:"sensor"`
	Intrinsics [9]float64   `json:"intrinsics"`
	Exposure   pano.Exposure `json:"exposure"`
	PixelFile  string       `json:"pixelFile"`
}

func colorspaceFromString(s string) pano.Colorspace {
	switch s {
	case "rgba":
		return pano.ColorspaceRGBA
	case "bgra":
		return pano.ColorspaceBGRA
	default:
		return pano.ColorspaceRGB
	}
}

func platformFromString(s string) pipeline.Platform {
	if s == "android" {
		return pipeline.PlatformAndroid
	}
	return pipeline.PlatformIOS
}

func runReplay(graph *pano.RecorderGraph, cfg *config.Config) {
	eqCanvas := pano.EquirectCanvas{Width: cfg.Canvas.Width, Height: cfg.Canvas.Height}

	var store *checkpoint.Store
	if *outputDir != "" {
		s, err := checkpoint.NewStore(*outputDir)
		if err != nil {
			log.Fatalf("creating checkpoint store: %v", err)
		}
		store = s
	}

	var debugSink pipeline.DebugSink
	if *debugDir != "" {
		s, err := pipeline.NewFileDebugSink(*debugDir)
		if err != nil {
			log.Fatalf("creating debug sink: %v", err)
		}
		debugSink = s
	}

	var checkpointStore pipeline.CheckpointStore
	if store != nil {
		checkpointStore = store
	}

	recCfg := pipeline.Config{
		Graph:                       graph,
		Canvas:                      eqCanvas,
		Tolerance:                   cfg.Tolerance.Radians(),
		StrictOrder:                 cfg.StrictOrder,
		CloseAllRings:               cfg.CloseAllRings,
		UseFlow:                     cfg.UseFlow,
		RefineFocal:                 cfg.RefineFocal,
		OutputScale:                 cfg.OutputScale,
		MaxAngularVelocityRadPerSec: cfg.MaxAngularVelocityRadPerSec(),
		CorrespondenceQueueDepth:    cfg.CorrespondenceQueueDepth,
		Checkpoint:                  checkpointStore,
		DebugSink:                   debugSink,
	}
	recorder := pipeline.NewRecorder(recCfg)

	var srv *httpserver.Server
	if *httpAddr != "" {
		srv = httpserver.NewServer(recorder, pano.NewGraphDebugRenderer(graph, eqCanvas))
		go func() {
			log.Printf("serving recorder graph and composite on %s", *httpAddr)
			if err := http.ListenAndServe(*httpAddr, srv.Handler()); err != nil {
				log.Printf("http server stopped: %v", err)
			}
		}()
	}

	var publisher *telemetry.Publisher
	if cfg.MQTT.Broker != "" {
		opts := mqtt.NewClientOptions().AddBroker(cfg.MQTT.Broker).SetClientID(cfg.MQTT.ClientID)
		if cfg.MQTT.Username != "" {
			opts.SetUsername(cfg.MQTT.Username)
			opts.SetPassword(cfg.MQTT.Password)
		}
		client := mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Printf("mqtt connect failed, continuing without telemetry: %v", token.Error())
			publisher = telemetry.NewPublisher(nil, cfg.MQTT.PublishPrefix)
		} else {
			publisher = telemetry.NewPublisher(client, cfg.MQTT.PublishPrefix)
		}
	}

	entries, err := os.ReadDir(*recordDir)
	if err != nil {
		log.Fatalf("reading record dir: %v", err)
	}
	var manifestPaths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			manifestPaths = append(manifestPaths, filepath.Join(*recordDir, e.Name()))
		}
	}
	sort.Strings(manifestPaths)

	for _, mp := range manifestPaths {
		raw, err := os.ReadFile(mp)
		if err != nil {
			log.Fatalf("reading %s: %v", mp, err)
		}
		var manifest rawFrameManifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			log.Fatalf("parsing %s: %v", mp, err)
		}

		pixelPath := manifest.PixelFile
		if pixelPath == "" {
			pixelPath = strings.TrimSuffix(mp, ".json") + ".raw"
		}
		data, err := os.ReadFile(pixelPath)
		if err != nil {
			log.Fatalf("reading pixel file %s: %v", pixelPath, err)
		}

		rawFrame := pipeline.RawFrame{
			ID:         manifest.ID,
			Width:      manifest.Width,
			Height:     manifest.Height,
			Colorspace: colorspaceFromString(manifest.Colorspace),
			Data:       data,
			Portrait:   manifest.Portrait,
			Platform:   platformFromString(manifest.Platform),
			Sensor:     pano.Mat4(manifest.Sensor),
			Timestamp:  manifest.Timestamp,
			Intrinsics: pano.Mat3(manifest.Intrinsics),
			Exposure:   manifest.Exposure,
		}
		if err := recorder.Push(rawFrame); err != nil {
			log.Fatalf("push %s: %v", mp, err)
		}
		if publisher != nil {
			if err := publisher.PublishGuidance(recorder.Guidance()); err != nil {
				log.Printf("publishing guidance: %v", err)
			}
		}
	}

	result, err := recorder.Finish()
	if err != nil {
		log.Fatalf("finish: %v", err)
	}
	if srv != nil {
		srv.SetResult(result)
	}
	if publisher != nil {
		if err := publisher.PublishFinished(false); err != nil {
			log.Printf("publishing finished event: %v", err)
		}
	}

	if left := result.Composites[pano.EyeLeft]; left != nil {
		b := left.Img.Bounds()
		leftRings := 0
		for _, rr := range result.Rings {
			if rr.Eye == pano.EyeLeft {
				leftRings++
			}
		}
		fmt.Printf("left composite: %dx%d, %d rings stitched\n", b.Dx(), b.Dy(), leftRings)
	} else {
		fmt.Println("no left-eye ring completed a full circuit; no composite produced")
	}
	if right := result.Composites[pano.EyeRight]; right != nil {
		b := right.Img.Bounds()
		fmt.Printf("right composite: %dx%d\n", b.Dx(), b.Dy())
	} else {
		fmt.Println("no right-eye ring completed a full circuit; no composite produced")
	}
}
