package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/Kvazar-213452/FastYt/api"
	"github.com/Kvazar-213452/FastYt/backend"
	httpbackend "github.com/Kvazar-213452/FastYt/backend/http_backend"
	kafkabackend "github.com/Kvazar-213452/FastYt/backend/kafka_backend"
	"github.com/Kvazar-213452/FastYt/config"
	"github.com/Kvazar-213452/FastYt/cookies"
	"github.com/Kvazar-213452/FastYt/extractor"
	"github.com/Kvazar-213452/FastYt/filestore"
	"github.com/Kvazar-213452/FastYt/mimetype"
	"github.com/Kvazar-213452/FastYt/muxer"
	"github.com/Kvazar-213452/FastYt/notifier"
	"github.com/Kvazar-213452/FastYt/processor"
	"github.com/Kvazar-213452/FastYt/reaper"
	"github.com/Kvazar-213452/FastYt/registry"
)

var (
	sigCh = make(chan os.Signal, 1)
	cfg   config.Config
)

func main() {
	app := cli.NewApp()
	app.Name = "fastyt"
	app.Usage = "Async media downloading service"
	app.HideVersion = true

	app.Commands = cli.Commands{
		cli.Command{
			Name:  "server",
			Usage: "Start the download service",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "host",
					Usage: "`HOST` to listen on",
					Value: "0.0.0.0",
				},
				cli.IntFlag{
					Name:  "port, p",
					Usage: "`PORT` to listen on",
					Value: 8000,
				},
				cli.StringFlag{
					Name:  "config, c",
					Usage: "`FILE` to load config from",
					Value: "config.json",
				},
			},
			Before: parseConfig,
			Action: runServer,
		},
		cli.Command{
			Name:  "check",
			Usage: "Verify the external binaries are available",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Usage: "`FILE` to load config from",
					Value: "config.json",
				},
			},
			Before: parseConfig,
			Action: runCheck,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(c *cli.Context) error {
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	reg := registry.New()

	store, err := filestore.NewFileSystem(cfg.Downloader.DownloadDir)
	if err != nil {
		return err
	}

	jar, err := cookies.NewJar(cfg.Cookies.Path)
	if err != nil {
		return err
	}

	ex, err := extractor.NewYTDLP(cfg.Downloader.YTDLPPath, cfg.InfoTimeout(),
		jar, log.New(os.Stderr, "[extractor] ", log.Ldate|log.Ltime))
	if err != nil {
		return err
	}

	mx, err := muxer.NewFFmpeg(cfg.Downloader.FFmpegPath, 0,
		log.New(os.Stderr, "[muxer] ", log.Ldate|log.Ltime))
	if err != nil {
		return err
	}

	proc, err := processor.New(reg, ex, mx, store, cfg.Downloader.ScratchDir,
		log.New(os.Stderr, "[processor] ", log.Ldate|log.Ltime))
	if err != nil {
		return err
	}
	proc.UserAgent = cfg.Downloader.UserAgent
	switch cfg.Downloader.MimePattern {
	case "":
		proc.MimePattern = mimetype.DefaultPattern
	case "off":
		proc.MimePattern = ""
	default:
		if err := mimetype.ValidatePattern(cfg.Downloader.MimePattern); err != nil {
			return err
		}
		proc.MimePattern = cfg.Downloader.MimePattern
	}

	rp := reaper.New(reg, store, cfg.Retention(), cfg.Grace(),
		log.New(os.Stderr, "[reaper] ", log.Ldate|log.Ltime))
	proc.Cleanup = rp

	var notifierClose chan struct{}
	if cfg.Notifier.Backend != "" {
		var b backend.Backend
		switch cfg.Notifier.Backend {
		case "http":
			b = new(httpbackend.Backend)
		case "kafka":
			b = new(kafkabackend.Backend)
		default:
			return fmt.Errorf("unknown notifier backend %q", cfg.Notifier.Backend)
		}

		n, err := notifier.New(b, cfg.Backends[cfg.Notifier.Backend],
			cfg.Notifier.Concurrency, cfg.Notifier.Topic,
			log.New(os.Stderr, "[notifier] ", log.Ldate|log.Ltime))
		if err != nil {
			return err
		}
		proc.Notify = n.Submit

		notifierClose = make(chan struct{})
		go n.Start(notifierClose)
	}

	processorClose := make(chan struct{})
	go proc.Start(processorClose)

	host, port := c.String("host"), c.Int("port")
	if !c.IsSet("host") && cfg.API.Host != "" {
		host = cfg.API.Host
	}
	if !c.IsSet("port") && cfg.API.Port != 0 {
		port = cfg.API.Port
	}
	as := api.New(reg, store, jar, proc.Submit, host, port,
		log.New(os.Stderr, "[api] ", log.Ldate|log.Ltime))

	logger := log.New(os.Stderr, "[fastyt] ", log.Ldate|log.Ltime)
	go func() {
		logger.Printf("Listening on %s...", as.Server.Addr)
		err := as.Server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	<-sigCh
	logger.Println("Shutting down gracefully...")
	if err := as.Server.Shutdown(context.Background()); err != nil {
		return err
	}

	processorClose <- struct{}{}
	<-processorClose
	rp.Stop()

	if notifierClose != nil {
		notifierClose <- struct{}{}
		<-notifierClose
	}

	logger.Println("Bye!")
	return nil
}

// runCheck reports the versions of the external binaries the service shells
// out to.
func runCheck(c *cli.Context) error {
	ex, err := extractor.NewYTDLP(cfg.Downloader.YTDLPPath, cfg.InfoTimeout(), nil,
		log.New(os.Stderr, "[extractor] ", log.Ldate|log.Ltime))
	if err != nil {
		return err
	}
	version, err := ex.Version(context.Background())
	if err != nil {
		return err
	}
	fmt.Println("yt-dlp:", version)

	if _, err := muxer.NewFFmpeg(cfg.Downloader.FFmpegPath, 0, nil); err != nil {
		return err
	}
	fmt.Println("ffmpeg: ok")
	return nil
}

func parseConfig(c *cli.Context) error {
	var err error
	cfg, err = config.Parse(c.String("config"))
	return err
}
