// Command vision joins the SSL-Vision multicast group, normalizes each
// detection frame into team coordinates and serves the result over HTTP
// and a websocket feed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/sslvision/internal/config"
	"github.com/banshee-data/sslvision/internal/version"
	"github.com/banshee-data/sslvision/internal/vision/bridge"
	"github.com/banshee-data/sslvision/internal/vision/feed"
	"github.com/banshee-data/sslvision/internal/vision/network"
	"github.com/banshee-data/sslvision/internal/vision/sslproto"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the JSON config file")
	listen      = flag.String("listen", "", "HTTP listen address (overrides listen_addr)")
	pcapFile    = flag.String("pcap", "", "Replay a pcap/pcapng capture instead of joining the multicast group")
	pcapSpeed   = flag.Float64("speed", 1, "Replay speed multiplier for -pcap (0 = as fast as possible)")
	forward     = flag.String("forward", "", "Relay raw datagrams to host:port (overrides forward_addr)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	listenAddr := cfg.GetListenAddr()
	if *listen != "" {
		listenAddr = *listen
	}
	forwardAddr := cfg.GetForwardAddr()
	if *forward != "" {
		forwardAddr = *forward
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var forwarder *network.PacketForwarder
	if forwardAddr != "" {
		forwarder, err = network.NewPacketForwarder(forwardAddr, time.Minute)
		if err != nil {
			log.Fatalf("failed to create forwarder: %v", err)
		}
		defer forwarder.Close()
		forwarder.Start(ctx)
	}

	receiver := network.NewReceiver(network.ReceiverConfig{
		Group:       cfg.GetMulticastIP(),
		Port:        cfg.GetVisionPort(),
		Interface:   cfg.GetInterface(),
		RcvBuf:      cfg.GetRcvBufBytes(),
		BufferSize:  cfg.GetBufferSize(),
		ReadTimeout: cfg.GetReadTimeout(),
		Decoder:     sslproto.Decoder{},
		Forwarder:   forwarder,
	})
	frames := feed.NewServer(0)
	defer frames.Close()
	br := bridge.New(receiver, frames, settingsFrom(cfg), forwarder)
	receiver.SetCallback(br.OnFrame)

	if _, err := os.Stat(*configPath); err == nil {
		watcher, err := config.Watch(*configPath, func(next *config.VisionConfig) {
			br.Update(settingsFrom(next))
			if next.GetMulticastIP() != cfg.GetMulticastIP() || next.GetVisionPort() != cfg.GetVisionPort() {
				log.Printf("multicast group changed to %s:%d; restart to apply", next.GetMulticastIP(), next.GetVisionPort())
			}
		})
		if err != nil {
			log.Printf("config hot reload disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	var wg sync.WaitGroup

	if *pcapFile != "" {
		src, err := network.OpenPCAP(*pcapFile, cfg.GetVisionPort())
		if err != nil {
			log.Fatalf("failed to open capture: %v", err)
		}
		defer src.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := network.Replay(ctx, src, receiver.Ingest, network.ReplayOptions{Speed: *pcapSpeed})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("replay stopped after %d datagrams: %v", n, err)
				return
			}
			log.Printf("replayed %d datagrams from %s", n, *pcapFile)
		}()
	} else {
		if err := receiver.Start(ctx); err != nil {
			log.Fatalf("failed to start vision receiver: %v", err)
		}
		defer receiver.Stop()
		log.Printf("listening for vision on %s (receiver %s)", receiver.Addr(), receiver.ID())

		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-receiver.Done():
				if err := receiver.Err(); err != nil {
					log.Printf("vision receiver failed: %v", err)
					stop()
				}
			case <-ctx.Done():
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		br.AttachRoutes(mux, frames)
		br.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()
		log.Printf("serving frames on %s", listenAddr)

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		frames.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("graceful shutdown complete")
}

// loadConfig reads path. A missing file at the default location falls back
// to built-in defaults plus environment overrides.
func loadConfig(path string) (*config.VisionConfig, error) {
	cfg, err := config.LoadVisionConfig(path)
	if err == nil {
		return cfg, nil
	}
	if path != config.DefaultConfigPath || !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg = &config.VisionConfig{}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func settingsFrom(cfg *config.VisionConfig) bridge.Settings {
	field, fromConfig := cfg.GetFieldSize()
	return bridge.Settings{
		Side:            cfg.GetTeamSide(),
		KeepLastBall:    cfg.GetKeepLastBall(),
		Field:           field,
		FieldFromConfig: fromConfig,
	}
}
