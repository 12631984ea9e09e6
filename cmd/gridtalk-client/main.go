// main executable of the client.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/gridtalk/gridtalk/internal/clientcore"
	"github.com/gridtalk/gridtalk/internal/conf"
	"github.com/gridtalk/gridtalk/internal/logger"
)

var cli struct {
	Host string `default:"127.0.0.1" help:"server address"`
	Port int    `default:"7777" help:"server port"`
	Name string `required:"" help:"player name"`
	Log  string `default:"info" enum:"debug,info,warn,error" help:"log level"`
	Bot  string `help:"run headless with the named bot identity"`
}

func logLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.Debug
	case "warn":
		return logger.Warn
	case "error":
		return logger.Error
	default:
		return logger.Info
	}
}

func run() error {
	parser, err := kong.New(&cli,
		kong.Description("GridTalk client"),
		kong.UsageOnError())
	if err != nil {
		panic(err)
	}

	_, err = parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	log := &logger.Logger{
		Level:        logLevel(cli.Log),
		Destinations: []logger.Destination{logger.DestinationStdout},
	}
	err = log.Initialize()
	if err != nil {
		return err
	}
	defer log.Close()

	identityDir, err := clientcore.DefaultIdentityDir(cli.Bot)
	if err != nil {
		return err
	}

	headless := cli.Bot != ""

	c := &clientcore.Client{
		Host:             cli.Host,
		Port:             cli.Port,
		Name:             cli.Name,
		IdentityDir:      identityDir,
		CacheDir:         filepath.Join(identityDir, "cache"),
		ScratchDir:       filepath.Join(identityDir, "levels"),
		HandshakeTimeout: conf.Duration(10 * time.Second),
		EnableCapture:    !headless,
		EnablePlayback:   !headless,
		Parent:           log,
	}
	err = c.Initialize()
	if err != nil {
		return err
	}
	defer c.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()

	select {
	case <-interrupt:
		log.Log(logger.Info, "shutting down gracefully")
	case <-done:
	}

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Printf("ERR: %s\n", err)
		os.Exit(1)
	}
}
