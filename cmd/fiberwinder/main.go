package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/fiberwinder/internal/device"
	"github.com/shaunagostinho/fiberwinder/internal/logger"
	"github.com/shaunagostinho/fiberwinder/internal/server"
	"github.com/shaunagostinho/fiberwinder/internal/winder"
)

func main() {
	configPath := flag.String("config", "/etc/fiberwinder/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against the simulated winder controller")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	port := flag.String("port", "", "Serial port to connect to at startup")
	listPorts := flag.Bool("list", false, "List serial ports and exit")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] fiberwinder starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Device.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *port != "" {
		cfg.Device.Port = *port
		cfg.Device.AutoConnect = true
	}

	// Pick the connection backend
	var conn device.Conn
	switch cfg.Device.Type {
	case "demo":
		conn = device.NewSimulator(device.SimConfig{
			Latency:     20 * time.Millisecond,
			ReadTimeout: cfg.ChannelConfig().ReadTimeout,
			Seed:        time.Now().UnixNano(),
		})
		if cfg.Device.Port == "" {
			cfg.Device.Port = device.SimPort
		}
		cfg.Device.AutoConnect = true
	default:
		conn = device.NewChannel(cfg.ChannelConfig())
	}

	if *listPorts {
		printPorts(conn)
		return
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	journal := logger.New(cfg.JournalConfig())
	defer journal.Close()

	ctl := winder.New(ctx, winder.Config{
		Attempts:        cfg.Device.Attempts,
		Scales:          cfg.History.Scales,
		UnlockOnConnect: cfg.Device.UnlockOnConnect,
	}, conn, journal)
	defer ctl.Close()

	// Connect in the background (non-blocking, the API starts regardless)
	if cfg.Device.AutoConnect && cfg.Device.Port != "" {
		go func() {
			if connectWithRetry(ctx, cfg.Device.Port, ctl, 10) {
				autostart(cfg, ctl)
			}
		}()
	}

	srv := server.New(cfg, ctl, journal)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

func printPorts(conn device.Conn) {
	ports, err := conn.ListPorts()
	if err != nil {
		log.Printf("[main] list ports: %v", err)
	}
	for _, p := range ports {
		if p.IsUSB {
			log.Printf("[main] %s  USB %s:%s %s %s", p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
		} else {
			log.Printf("[main] %s", p.Name)
		}
	}
}

// autostart enables the configured poll tasks once connected.
func autostart(cfg *server.Config, ctl *winder.Controller) {
	for _, a := range cfg.Polling.Autostart {
		policy := cfg.Policy(a.Mode, a.Pair, a.DelayMs)
		if err := ctl.SetPolling(a.Quantity, true, policy); err != nil {
			log.Printf("[main] autostart %s: %v", a.Quantity, err)
			continue
		}
		log.Printf("[main] polling %s (%s)", a.Quantity, policy.Mode)
	}
}

// connector is satisfied by winder.Controller.
type connector interface {
	Connect(port string) error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It reports whether a
// connection was made before ctx ended.
func connectWithRetry(ctx context.Context, port string, c connector, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		if err := c.Connect(port); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					port, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					port, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", port, attempt+1)
			return true
		}
	}
}
