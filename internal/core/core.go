// Package core contains the main struct of the server.
package core

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/gridtalk/gridtalk/internal/conf"
	"github.com/gridtalk/gridtalk/internal/levels"
	"github.com/gridtalk/gridtalk/internal/logger"
	"github.com/gridtalk/gridtalk/internal/rlimit"
	"github.com/gridtalk/gridtalk/internal/router"
	"github.com/gridtalk/gridtalk/internal/servers/game"
	"github.com/gridtalk/gridtalk/internal/storage"
)

var version = "v0.0.0"

var cli struct {
	Version   bool   `help:"print version"`
	Host      string `help:"listen address, overrides the config file"`
	Port      int    `help:"listen port, overrides the config file"`
	LevelsDir string `help:"levels directory, overrides the config file"`
	DataDir   string `help:"player data directory, overrides the config file"`
	Confpath  string `arg:"" default:"gridtalk.yml" optional:""`
}

// Core is an instance of the server.
type Core struct {
	ctx        context.Context
	ctxCancel  func()
	confPath   string
	conf       *conf.Conf
	confFound  bool
	logger     *logger.Logger
	levels     *levels.Registry
	storage    *storage.PlayerStorage
	router     *router.Router
	gameServer *game.Server

	// out
	done chan struct{}
}

// New allocates a Core.
func New(args []string) (*Core, bool) {
	parser, err := kong.New(&cli,
		kong.Description("GridTalk server "+version),
		kong.UsageOnError(),
		kong.ValueFormatter(func(value *kong.Value) string {
			switch value.Name {
			case "confpath":
				return "path to a config file. The default is gridtalk.yml."

			default:
				return kong.DefaultHelpValueFormatter(value)
			}
		}))
	if err != nil {
		panic(err)
	}

	_, err = parser.Parse(args)
	parser.FatalIfErrorf(err)

	if cli.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	p := &Core{
		ctx:       ctx,
		ctxCancel: ctxCancel,
		confPath:  cli.Confpath,
		done:      make(chan struct{}),
	}

	p.conf, p.confFound, err = conf.Load(p.confPath)
	if err != nil {
		fmt.Printf("ERR: %s\n", err)
		return nil, false
	}

	applyCLIOverrides(p.conf)

	err = p.createResources()
	if err != nil {
		if p.logger != nil {
			p.Log(logger.Error, "%s", err)
		} else {
			fmt.Printf("ERR: %s\n", err)
		}
		p.closeResources()
		return nil, false
	}

	go p.run()

	return p, true
}

func applyCLIOverrides(cnf *conf.Conf) {
	if cli.Host != "" {
		cnf.Host = cli.Host
	}
	if cli.Port != 0 {
		cnf.Port = cli.Port
	}
	if cli.LevelsDir != "" {
		cnf.LevelsDir = cli.LevelsDir
	}
	if cli.DataDir != "" {
		cnf.DataDir = cli.DataDir
	}
}

// Close closes Core and waits for all goroutines to return.
func (p *Core) Close() {
	p.ctxCancel()
	<-p.done
}

// Wait waits for the Core to exit.
func (p *Core) Wait() {
	<-p.done
}

// Log is the main logging function.
func (p *Core) Log(level logger.Level, format string, args ...interface{}) {
	p.logger.Log(level, format, args...)
}

func (p *Core) createResources() error {
	p.logger = &logger.Logger{
		Level:        logger.Level(p.conf.LogLevel),
		Destinations: p.conf.LogDestinations.ToDestinations(),
		File:         p.conf.LogFile,
	}
	err := p.logger.Initialize()
	if err != nil {
		return err
	}

	p.Log(logger.Info, "GridTalk server %s", version)

	if !p.confFound {
		p.Log(logger.Warn, "configuration file not found, using the default one")
	}

	err = rlimit.Raise()
	if err != nil {
		p.Log(logger.Warn, "unable to raise the file descriptor limit: %v", err)
	}

	p.levels = &levels.Registry{
		LevelsDir: p.conf.LevelsDir,
		Parent:    p,
	}
	err = p.levels.Initialize()
	if err != nil {
		return err
	}

	p.storage = &storage.PlayerStorage{
		DataDir: p.conf.DataDir,
	}
	err = p.storage.Initialize()
	if err != nil {
		return err
	}

	p.router = router.New()

	p.gameServer = &game.Server{
		Address:             net.JoinHostPort(p.conf.Host, strconv.Itoa(p.conf.Port)),
		HandshakeTimeout:    p.conf.HandshakeTimeout,
		PingInterval:        p.conf.PingInterval,
		PingTimeout:         p.conf.PingTimeout,
		RoutingInterval:     p.conf.RoutingInterval,
		RenegotiateInterval: p.conf.RenegotiateInterval,
		Levels:              p.levels,
		Storage:             p.storage,
		Router:              p.router,
		Parent:              p,
	}
	err = p.gameServer.Initialize()
	if err != nil {
		return err
	}

	return nil
}

func (p *Core) closeResources() {
	if p.gameServer != nil {
		p.gameServer.Close()
	}

	if p.logger != nil {
		p.logger.Close()
	}
}

func (p *Core) run() {
	defer close(p.done)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case <-interrupt:
		p.Log(logger.Info, "shutting down gracefully")

	case <-p.ctx.Done():
	}

	p.closeResources()
}
