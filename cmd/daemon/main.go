package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/devgianlu/go-dzdecrypt/cdn"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

const usage = `usage: go-dzdecrypt [flags] <command> [args]

commands:
  key <identifier>        print the key derived from the identifier
  file <input> <output>   decrypt a file, needs --track-id or --key
  buffer                  decrypt stdin to stdout, needs --track-id or --key
  fetch <output>          download and decrypt a track, needs --track-id, --md5-origin and --media-version
  serve                   run the HTTP API

identifiers starting with '-', like user uploaded track ids, must follow --:
  go-dzdecrypt key -- -12345

flags:
`

type Config struct {
	ConfigDir string `koanf:"config_dir"`
	LogLevel  string `koanf:"log_level"`
	Server    struct {
		Address     string `koanf:"address"`
		Port        int    `koanf:"port"`
		AllowOrigin string `koanf:"allow_origin"`
		CertFile    string `koanf:"cert_file"`
		KeyFile     string `koanf:"key_file"`
		MaxBodySize int64  `koanf:"max_body_size"`
	} `koanf:"server"`
	Fetch struct {
		Timeout    time.Duration `koanf:"timeout"`
		MaxRetries uint64        `koanf:"max_retries"`
	} `koanf:"fetch"`
}

// CommandFlags are per invocation options, they are not part of the configuration file.
type CommandFlags struct {
	TrackId      string
	Key          string
	Md5Origin    string
	MediaVersion string
	Quality      string
}

func loadConfig(args []string) (*Config, *CommandFlags, []string, error) {
	var cmd CommandFlags

	f := flag.NewFlagSet("go-dzdecrypt", flag.ContinueOnError)
	f.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, usage)
		_, _ = fmt.Fprintln(os.Stderr, f.FlagUsages())
	}

	configDir := f.String("config_dir", defaultConfigDir(), "the configuration directory")
	f.String("log_level", "info", "the log level (trace, debug, info, warn, error)")
	f.String("server.address", "localhost", "the address the API listens on")
	f.Int("server.port", 0, "the port the API listens on, 0 picks a random one")
	f.String("server.allow_origin", "", "the origin allowed by CORS")
	f.StringVar(&cmd.TrackId, "track-id", "", "the track identifier to derive the key from")
	f.StringVar(&cmd.Key, "key", "", "the hex encoded key, instead of --track-id")
	f.StringVar(&cmd.Md5Origin, "md5-origin", "", "the md5 origin of the track")
	f.StringVar(&cmd.MediaVersion, "media-version", "", "the media version of the track")
	f.StringVar(&cmd.Quality, "quality", cdn.QualityMP3320.String(), "the preferred quality (flac, mp3_320, mp3_128)")
	if err := f.Parse(args); err != nil {
		return nil, nil, nil, err
	}

	k := koanf.New(".")

	// set default values
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"log_level": "info",

		"server.address":       "localhost",
		"server.port":          0,
		"server.allow_origin":  "",
		"server.max_body_size": 64 * 1024 * 1024,

		"fetch.timeout":     "5m",
		"fetch.max_retries": cdn.DefaultMaxRetries,
	}, "."), nil); err != nil {
		return nil, nil, nil, fmt.Errorf("failed loading default configuration: %w", err)
	}

	// load file configuration (if available)
	configPath := filepath.Join(*configDir, "config.yml")
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil, fmt.Errorf("failed reading configuration file: %w", err)
		}
	} else {
		log.Debugf("loaded configuration from %s", configPath)
	}

	// overwrite with command line arguments
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, nil, nil, fmt.Errorf("failed loading command line configuration: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, nil, nil, fmt.Errorf("failed unmarshalling configuration: %w", err)
	}

	return &cfg, &cmd, f.Args(), nil
}

func main() {
	cfg, cmd, args, err := loadConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	} else if err != nil {
		log.WithError(err).Fatal("failed loading configuration")
	}

	// parse and set log level
	logLevel, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatalf("invalid log level: %s", cfg.LogLevel)
	}

	setupLogging(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg)
	if err := app.Run(ctx, cmd, args, os.Stdin, os.Stdout); err != nil {
		stop()

		if errors.Is(err, errUsage) {
			_, _ = fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}

		log.WithError(err).Fatal("failed running command")
	}
}
