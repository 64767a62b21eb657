package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/hierchat/backend/console"
	"github.com/adwski/hierchat/backend/discovery"
	"github.com/adwski/hierchat/backend/metrics"
	"github.com/adwski/hierchat/backend/model"
	httpServer "github.com/adwski/hierchat/backend/server/http"
	websocketServer "github.com/adwski/hierchat/backend/server/websocket"
	"github.com/adwski/hierchat/backend/service"
	store "github.com/adwski/hierchat/backend/storage/memory"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultPort = 5432

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("hierchat", pflag.ContinueOnError)

	var (
		username        = fs.StringP("username", "u", "", "name shown to other peers (default peer-<random>)")
		join            = fs.StringP("join", "j", "", "join the room administered at this address")
		discover        = fs.BoolP("discover", "d", false, "join the first room announced on the local network")
		port            = fs.IntP("port", "p", defaultPort, "websocket listen port")
		advertiseIPFlag = fs.String("advertise-ip", "", "ipv4 address announced to other peers (default detected)")
		apiListenAddr   = fs.StringP("api-listen-addr", "a", "", "status api listen address, disabled if empty")
		logLevel        = fs.StringP("log-level", "l", "info", "log level")
		logFile         = fs.String("log-file", "", "write logs to this file instead of stderr")
		discoverTimeout = fs.Duration("discover-timeout", 5*time.Second, "how long to look for a room")
		syncTimeout     = fs.Duration("sync-timeout", 3*time.Second, "how long to wait for the admin to answer a join request")
		rejoinGrace     = fs.Duration("rejoin-grace", 30*time.Second, "how long a new admin waits for peers of the old room to reconnect")
		noColor         = fs.Bool("no-color", false, "disable colored output")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if *join != "" && *discover {
		logger.Fatal().Msg("--join and --discover are mutually exclusive")
	}

	if *logFile != "" {
		logger = logger.Output(newLogFile(*logFile))
	}
	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ip, err := advertiseIP(*advertiseIPFlag)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot determine advertised address, using loopback")
		ip = net.IPv4(127, 0, 0, 1)
	}
	if *username == "" {
		*username = "peer-" + uuid.NewString()[:8]
	}
	self := model.Peer{
		Username: *username,
		Address:  model.PeerAddress(ip, *port),
	}
	logger.Info().Str("self", self.String()).Msg("starting peer")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	roomStore := store.NewMemStore()
	announcer := discovery.NewAnnouncer(discovery.Config{
		Logger: &logger,
		Self:   self,
		Port:   *port,
	})
	sm := service.NewStateManager(service.Config{
		Logger:      &logger,
		Self:        self,
		Dialer:      websocketServer.NewDialer(websocketServer.DialerConfig{Logger: &logger}),
		Store:       roomStore,
		Metrics:     metrics.New(reg),
		Observer:    announcer,
		SyncTimeout: *syncTimeout,
		RejoinGrace: *rejoinGrace,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Sink:       sm,
		ListenAddr: ":" + strconv.Itoa(*port),
	})
	con := console.New(console.Config{
		Logger:  &logger,
		In:      os.Stdin,
		Out:     os.Stdout,
		Sink:    sm,
		Store:   roomStore,
		Self:    self,
		NoColor: *noColor,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case *join != "":
		sm.Submit(model.JoinSend{Address: joinAddress(*join)})
	case *discover:
		found, errB := discovery.Browse(ctx, &logger, *discoverTimeout)
		if errB != nil {
			logger.Fatal().Err(errB).Msg("room discovery failed")
		}
		sm.Submit(model.JoinSend{Address: found.Address})
	default:
		sm.Submit(model.StartRoom{})
	}

	runners := []func(context.Context, *sync.WaitGroup, chan<- error){
		sm.Run,
		wsSrv.Run,
		announcer.Run,
		con.Run,
	}
	if *apiListenAddr != "" {
		apiSrv := httpServer.NewServer(httpServer.Config{
			Logger:      &logger,
			RoomService: sm,
			Gatherer:    reg,
			ListenAddr:  *apiListenAddr,
		})
		runners = append(runners, apiSrv.Run)
	}

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, len(runners))
	)
	wg.Add(len(runners))
	for _, run := range runners {
		go run(ctx, wg, errc)
	}

	exitCode := 0
	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unrecoverable error, shutting down")
		fmt.Fprintln(os.Stderr, "hierchat:", err)
		exitCode = 1
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	os.Exit(exitCode)
}

func newLogFile(name string) io.Writer {
	return &lumberjack.Logger{
		Filename:   name,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     7, // days
	}
}

// joinAddress accepts host[:port] as well as full peer addresses.
func joinAddress(s string) string {
	s = strings.TrimPrefix(s, "ws://")
	if _, _, err := net.SplitHostPort(s); err != nil {
		s = net.JoinHostPort(s, strconv.Itoa(defaultPort))
	}
	return "ws://" + s
}
