// Command roomhost runs the Host side of a synchronized playback room: it
// serves the websocket control channel, distributes the current track over
// HTTP, advertises the room via mDNS, and broadcasts host_state on a fixed
// cadence (spec §4.7).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rustyguts/roomsync/internal/calibration"
	"github.com/rustyguts/roomsync/internal/decoder"
	"github.com/rustyguts/roomsync/internal/discovery"
	"github.com/rustyguts/roomsync/internal/facade"
	"github.com/rustyguts/roomsync/internal/fileserver"
	"github.com/rustyguts/roomsync/internal/roomclock"
	"github.com/rustyguts/roomsync/internal/transport"
	"github.com/rustyguts/roomsync/internal/wire"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "status" {
		runStatus(os.Args[2:])
		return
	}
	runHost(os.Args[1:])
}

// runStatus is the `roomhost status` subcommand: it queries a running
// roomhost's /status endpoint and prints the result.
func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8787", "control channel address of the roomhost to query")
	fs.Parse(args)

	resp, err := http.Get(fmt.Sprintf("http://%s/status", *addr))
	if err != nil {
		fmt.Fprintln(os.Stderr, "roomhost status: request failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var st facade.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Fprintln(os.Stderr, "roomhost status: decode response:", err)
		os.Exit(1)
	}
	fmt.Printf("room=%s host=%s track=%s epoch=%d peers=%d playing=%v broadcasting=%v\n",
		st.RoomID, st.HostID, st.TrackID, st.Epoch, st.PeerCount, st.IsPlaying, st.Broadcasting)
}

func runHost(args []string) {
	fs := flag.NewFlagSet("roomhost", flag.ExitOnError)
	var (
		addr       = fs.String("addr", ":8787", "control channel listen address")
		fileAddr   = fs.String("file-addr", ":9090", "track file server listen address")
		roomID     = fs.String("room", "", "room id to host (required)")
		hostID     = fs.String("host-id", "host-1", "this host's peer id")
		trackPath  = fs.String("track", "", "path to the audio file to host (required)")
		trackID    = fs.String("track-id", "track-1", "id advertised for the hosted track")
		durationMs = fs.Int64("duration-ms", 0, "track duration in milliseconds (required)")
		dbPath     = fs.String("db", "", "calibration database path (default: $XDG_CONFIG_HOME/roomsync/calibration.db)")
		noDiscover = fs.Bool("no-discover", false, "disable mDNS room advertisement")
	)
	fs.Parse(args)

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if *roomID == "" || *trackPath == "" || *durationMs <= 0 {
		fmt.Fprintln(os.Stderr, "roomhost: -room, -track, and -duration-ms are required")
		fs.Usage()
		os.Exit(2)
	}

	if *dbPath == "" {
		path, err := defaultCalibrationDBPath()
		if err != nil {
			log.Error("resolve calibration db path", "err", err)
			os.Exit(1)
		}
		*dbPath = path
	}
	calStore, err := calibration.Open(*dbPath)
	if err != nil {
		log.Error("open calibration store", "err", err)
		os.Exit(1)
	}
	defer calStore.Close()

	hash, err := fileserver.HashFile(*trackPath)
	if err != nil {
		log.Error("hash track file", "err", err)
		os.Exit(1)
	}
	info, err := os.Stat(*trackPath)
	if err != nil {
		log.Error("stat track file", "err", err)
		os.Exit(1)
	}

	fileName := filepath.Base(*trackPath)
	fsrv := fileserver.New(filepath.Dir(*trackPath))
	fsrv.Publish(*trackID, fileName)

	dec := decoder.NewReference(decoder.NewStaticCatalog(map[string]int64{*trackID: *durationMs}))
	if err := dec.Load(context.Background(), *trackID); err != nil {
		log.Error("load track into decoder", "err", err)
		os.Exit(1)
	}

	clock := roomclock.New(roomclock.NewDefaultConfig(), log)
	clock.NewEpoch()

	host := transport.NewHost(log)
	h := facade.NewHostFacade(*roomID, *hostID, dec, clock, host, log)
	h.PublishTrack(*trackID, fmt.Sprintf("http://%s/tracks/%s", advertisedFileHost(*fileAddr), *trackID),
		hash, info.Size(), *durationMs, fileName)

	host.OnMessage(func(id transport.PeerID, msg wire.Message) {
		h.OnMessage(facade.PeerID(id), msg)
	})
	host.OnDisconnect(func(id transport.PeerID) {
		h.OnPeerDisconnect(facade.PeerID(id))
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	host.Register(e, "/ws")
	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, h.Status())
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !*noDiscover {
		adv, err := discovery.Advertise(*roomID, log)
		if err != nil {
			log.Warn("mdns advertise failed, continuing without discovery", "err", err)
		} else {
			defer adv.Close()
		}
	}

	h.StartBroadcasting(ctx)
	defer h.StopBroadcasting()

	go func() {
		if err := fsrv.Start(ctx, *fileAddr); err != nil {
			log.Error("file server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	log.Info("roomhost listening", "addr", *addr, "fileAddr", *fileAddr, "room", *roomID, "track", *trackID)
	if err := e.Start(*addr); err != nil && err != http.ErrServerClosed {
		log.Error("control channel server stopped", "err", err)
		os.Exit(1)
	}
}

// advertisedFileHost resolves a listen address (e.g. ":9090") to a host
// Clients can dial; it assumes they share the same local network.
func advertisedFileHost(fileAddr string) string {
	if fileAddr[0] == ':' {
		hostname, err := os.Hostname()
		if err != nil {
			return "localhost" + fileAddr
		}
		return hostname + fileAddr
	}
	return fileAddr
}

func defaultCalibrationDBPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "roomsync", "calibration.db"), nil
}
