// Command roomclient runs the Client side of a synchronized playback room:
// it connects to a Host's control channel, downloads the announced track,
// keeps its room clock locked, and drives KeepSync corrections. Presentation
// is out of scope for this spec, so this is a headless CLI rather than a
// desktop shell.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rustyguts/roomsync/config"
	"github.com/rustyguts/roomsync/internal/calibration"
	"github.com/rustyguts/roomsync/internal/decoder"
	"github.com/rustyguts/roomsync/internal/discovery"
	"github.com/rustyguts/roomsync/internal/facade"
	"github.com/rustyguts/roomsync/internal/fileserver"
	"github.com/rustyguts/roomsync/internal/transport"
	"github.com/rustyguts/roomsync/internal/wire"
)

const protoVersion = 1

func main() {
	cfg := config.Load()

	var (
		addr       = flag.String("addr", "", "host control channel address (host:port); omit to discover via mDNS")
		roomID     = flag.String("room", cfg.LastRoomID, "room id to join (required)")
		peerID     = flag.String("peer-id", cfg.DeviceID, "this client's peer id")
		deviceName = flag.String("name", cfg.DisplayName, "display name announced to the host")
		dbPath     = flag.String("db", "", "calibration database path (default: $XDG_CONFIG_HOME/roomsync/calibration.db)")
		cacheDir   = flag.String("cache-dir", "", "track download cache directory (default: $XDG_CACHE_HOME/roomsync/tracks)")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if *roomID == "" {
		fmt.Fprintln(os.Stderr, "roomclient: -room is required")
		flag.Usage()
		os.Exit(2)
	}
	if *peerID == "" {
		*peerID = "client-" + fmt.Sprint(time.Now().UnixNano())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostAddr := *addr
	if hostAddr == "" {
		log.Info("no -addr given, discovering room via mDNS", "room", *roomID)
		discoverCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		room, err := discovery.Discover(discoverCtx, *roomID, log)
		cancel()
		if err != nil {
			log.Error("discover room", "err", err)
			os.Exit(1)
		}
		hostAddr = room.Addr.String()
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

	latencyCompMs := cfg.LatencyCompMs
	if profile, err := calStore.Get(context.Background(), *peerID); err == nil {
		latencyCompMs = profile.LatencyCompMs
	} else if err != calibration.ErrNotFound {
		log.Warn("load calibration profile", "err", err)
	}

	if *cacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			log.Error("resolve cache dir", "err", err)
			os.Exit(1)
		}
		*cacheDir = dir + "/roomsync/tracks"
	}

	client := transport.NewClient(log)
	dec := decoder.NewReference(decoder.NewStaticCatalog(nil))
	downloader := fileserver.NewDownloader(*cacheDir)

	cf := facade.NewClientFacade(*roomID, *peerID, facade.ClientDeps{
		Sender:        client,
		Decoder:       dec,
		Downloader:    downloader,
		KeepSync:      cfg.KeepSyncConfig(),
		LatencyCompMs: latencyCompMs,
		Log:           log,
	})

	client.OnMessage(func(msg wire.Message) {
		cf.OnMessage(ctx, msg)
	})
	client.OnDisconnect(func(err error) {
		log.Warn("disconnected from host", "err", err)
		stop()
	})

	wsURL := fmt.Sprintf("ws://%s/ws", hostAddr)
	if err := client.Connect(ctx, wsURL); err != nil {
		log.Error("connect to host", "addr", wsURL, "err", err)
		os.Exit(1)
	}
	log.Info("connected to host", "addr", wsURL, "room", *roomID)

	if err := cf.Hello(protoVersion, &wire.DeviceInfo{Name: *deviceName, Platform: "cli"}); err != nil {
		log.Error("send hello", "err", err)
		os.Exit(1)
	}

	go cf.RunClockSync(ctx)

	cfg.LastRoomID = *roomID
	cfg.DeviceID = *peerID
	if err := config.Save(cfg); err != nil {
		log.Warn("save config", "err", err)
	}

	runStatusLoop(ctx, log)
	_ = client.Close()
}

// runStatusLoop blocks until ctx is cancelled, printing a heartbeat so a
// user running this headlessly can see the process is alive. It also reads
// a single line from stdin so "quit\n" exits early.
func runStatusLoop(ctx context.Context, log *slog.Logger) {
	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-lines:
			if line == "quit" {
				return
			}
		case <-ticker.C:
			log.Info("roomclient running")
		}
	}
}

func defaultCalibrationDBPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return dir + "/roomsync/calibration.db", nil
}
