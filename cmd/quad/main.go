package main

import (
	"log"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/ealtun21/quad/internal/handshake"
	"github.com/ealtun21/quad/internal/rendezvous"
	"github.com/ealtun21/quad/internal/saferw"
	"github.com/ealtun21/quad/internal/transfer"
)

// VERSION is injected by buildflags, matching kcptun's client/main.go idiom.
var VERSION = "SELFBUILD"

const defaultAddress = "nyverin.com:4277"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "quad"
	myApp.Usage = "Quick UDP file sharing: a simple p2p file transfer tool"
	myApp.Version = VERSION
	myApp.Commands = []cli.Command{
		helperCommand(),
		senderCommand(),
		receiverCommand(),
		versionCommand(),
	}

	if err := myApp.Run(os.Args); err != nil {
		checkError(err)
	}
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(1)
	}
}

func redirectLog(path string) func() {
	if path == "" {
		return func() {}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	checkError(err)
	log.SetOutput(f)
	return func() { f.Close() }
}

func logfFor(quiet bool) func(string, ...interface{}) {
	if quiet {
		return func(string, ...interface{}) {}
	}
	return func(format string, args ...interface{}) { log.Printf(format, args...) }
}

func helperCommand() cli.Command {
	return cli.Command{
		Name:  "helper",
		Usage: "run the rendezvous helper that pairs peers and hole-punches NATs",
		Flags: []cli.Flag{
			cli.IntFlag{Name: "port, p", Value: 4277, Usage: "UDP port to listen on"},
			cli.BoolFlag{Name: "quiet", Usage: "suppress per-pairing log lines"},
			cli.StringFlag{Name: "log", Usage: "redirect logging to this file"},
			cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address, e.g. :9100"},
			cli.StringFlag{Name: "c", Usage: "JSON config file overriding the flags above"},
		},
		Action: func(c *cli.Context) error {
			config := HelperConfig{
				Port:        c.Int("port"),
				Quiet:       c.Bool("quiet"),
				Log:         c.String("log"),
				MetricsAddr: c.String("metrics-addr"),
			}
			if path := c.String("c"); path != "" {
				checkError(parseJSONConfig(&config, path))
			}
			defer redirectLog(config.Log)()

			var metrics rendezvous.Metrics
			if config.MetricsAddr != "" {
				metrics = newHelperMetrics()
				serveMetrics(config.MetricsAddr)
			}

			log.Println("version:", VERSION)
			log.Println("listening on UDP port", config.Port)
			return rendezvous.RunUDP(config.Port, metrics, logfFor(config.Quiet))
		},
	}
}

func transferFlags(pathUsage string) []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "address, a", Value: defaultAddress, Usage: "rendezvous helper address"},
		cli.StringFlag{Name: "id", Usage: "shared identifier both peers present to the helper"},
		cli.StringFlag{Name: "path", Usage: pathUsage},
		cli.IntFlag{Name: "bitrate", Value: 256, Usage: "SafeRW chunk size in bytes (lower = more reliable, higher = faster)"},
		cli.Int64Flag{Name: "start", Value: 0, Usage: "resume transfer from this byte offset"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress progress/status log lines"},
		cli.StringFlag{Name: "log", Usage: "redirect logging to this file"},
		cli.StringFlag{Name: "statslog", Usage: "periodically append SafeRW stats to this CSV file"},
		cli.IntFlag{Name: "statsperiod", Value: 5, Usage: "seconds between statslog rows"},
		cli.BoolFlag{Name: "pprof", Usage: "expose net/http/pprof on :6060"},
		cli.StringFlag{Name: "c", Usage: "JSON config file overriding the flags above"},
	}
}

func loadTransferConfig(c *cli.Context) TransferConfig {
	config := TransferConfig{
		Address:     c.String("address"),
		ID:          c.String("id"),
		Path:        c.String("path"),
		Bitrate:     c.Int("bitrate"),
		Start:       c.Int64("start"),
		Quiet:       c.Bool("quiet"),
		Log:         c.String("log"),
		StatsLog:    c.String("statslog"),
		StatsPeriod: c.Int("statsperiod"),
		Pprof:       c.Bool("pprof"),
	}
	if path := c.String("c"); path != "" {
		checkError(parseJSONConfig(&config, path))
	}
	if config.Bitrate <= 0 || config.Bitrate > saferw.MaxPayload {
		color.Red("WARNING: bitrate %d is out of range (1-%d); clamping to 256.", config.Bitrate, saferw.MaxPayload)
		config.Bitrate = 256
	}
	return config
}

func startPprof() {
	go func() {
		log.Println("pprof:", "http://localhost:6060/debug/pprof/")
		if err := servePprof(); err != nil {
			log.Println("pprof listener:", err)
		}
	}()
}

func senderCommand() cli.Command {
	return cli.Command{
		Name:  "sender",
		Usage: "send a file to a peer",
		Flags: transferFlags("path to the file to send"),
		Action: func(c *cli.Context) error {
			config := loadTransferConfig(c)
			defer redirectLog(config.Log)()
			logf := logfFor(config.Quiet)

			if config.Pprof {
				startPprof()
			}

			log.Println("version:", VERSION)
			result, err := handshake.Punch(config.Address, config.ID, logf)
			checkError(err)
			defer result.Conn.Close()

			ch := saferw.New(result.Conn, saferw.Options{Logf: logf})
			activeStats = func() string { return statsSummary(ch.Stats()) }
			if config.StatsLog != "" {
				go statsLogger(config.StatsLog, config.StatsPeriod, ch.Stats)
			}

			f, err := os.Open(config.Path)
			checkError(err)
			defer f.Close()
			info, err := f.Stat()
			checkError(err)

			if config.Start != 0 {
				logf("Skipping to %d...", config.Start)
			}

			err = transfer.Send(ch, f, info.Size(), transfer.SendOptions{
				ChunkSize:   config.Bitrate,
				StartOffset: config.Start,
				Logf:        logf,
			})
			checkError(err)
			return nil
		},
	}
}

func receiverCommand() cli.Command {
	return cli.Command{
		Name:  "receiver",
		Usage: "receive a file from a peer",
		Flags: transferFlags("path to write the received file to"),
		Action: func(c *cli.Context) error {
			config := loadTransferConfig(c)
			defer redirectLog(config.Log)()
			logf := logfFor(config.Quiet)

			if config.Pprof {
				startPprof()
			}

			log.Println("version:", VERSION)
			result, err := handshake.Punch(config.Address, config.ID, logf)
			checkError(err)
			defer result.Conn.Close()

			ch := saferw.New(result.Conn, saferw.Options{Logf: logf})
			activeStats = func() string { return statsSummary(ch.Stats()) }
			if config.StatsLog != "" {
				go statsLogger(config.StatsLog, config.StatsPeriod, ch.Stats)
			}

			f, err := os.OpenFile(config.Path, os.O_RDWR|os.O_CREATE, 0o644)
			checkError(err)
			defer f.Close()

			if config.Start != 0 {
				logf("Skipping to %d...", config.Start)
			}

			_, err = transfer.Receive(ch, f, transfer.ReceiveOptions{
				ChunkSize:   config.Bitrate,
				StartOffset: config.Start,
				Logf:        logf,
			})
			checkError(err)
			return nil
		},
	}
}

func versionCommand() cli.Command {
	return cli.Command{
		Name:  "version",
		Usage: "print the quad version",
		Action: func(c *cli.Context) error {
			log.Println("quad version", VERSION, "built", time.Now().Format(time.RFC3339))
			return nil
		},
	}
}

func statsSummary(s saferw.Stats) string {
	return color.New(color.FgGreen).Sprintf(
		"sent=%d acked=%d retransmits=%d resendOut=%d resendIn=%d wraps=%d",
		s.PacketsSent, s.PacketsAcked, s.Retransmits, s.ResendRequestsOut, s.ResendRequestsIn, s.Wraps,
	)
}
