package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	dzdecrypt "github.com/devgianlu/go-dzdecrypt"
	"github.com/devgianlu/go-dzdecrypt/audio"
	"github.com/devgianlu/go-dzdecrypt/cdn"
	"github.com/devgianlu/go-dzdecrypt/key"
)

var errUsage = errors.New("invalid usage")

type App struct {
	cfg *Config
	log dzdecrypt.Logger

	fetcher   *cdn.Fetcher
	streamUrl func(cdn.TrackInfo) (string, error)
}

func NewApp(cfg *Config) *App {
	return &App{
		cfg:       cfg,
		log:       newLogrusAdapter("app"),
		fetcher:   cdn.NewFetcher(newLogrusAdapter("cdn"), &http.Client{Timeout: cfg.Fetch.Timeout}, cfg.Fetch.MaxRetries),
		streamUrl: cdn.StreamUrl,
	}
}

func (app *App) Run(ctx context.Context, cmd *CommandFlags, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "key":
		if len(args) != 2 {
			return errUsage
		}

		_, err := fmt.Fprintln(stdout, key.Derive(args[1]).String())
		return err
	case "file":
		if len(args) != 3 {
			return errUsage
		}

		k, err := resolveKey(cmd.TrackId, cmd.Key)
		if err != nil {
			return err
		}

		return app.decryptFile(ctx, k, args[1], args[2])
	case "buffer":
		if len(args) != 1 {
			return errUsage
		}

		k, err := resolveKey(cmd.TrackId, cmd.Key)
		if err != nil {
			return err
		}

		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("failed reading input: %w", err)
		}

		if _, err := stdout.Write(audio.DecryptBuffer(k, data)); err != nil {
			return fmt.Errorf("failed writing output: %w", err)
		}

		return nil
	case "fetch":
		if len(args) != 2 {
			return errUsage
		}

		resp, err := app.fetchTrack(ctx, ApiRequestDataFetch{
			TrackId:      cmd.TrackId,
			Md5Origin:    cmd.Md5Origin,
			MediaVersion: cmd.MediaVersion,
			Quality:      cmd.Quality,
			Output:       args[1],
		})
		if err != nil {
			return err
		}

		app.log.Infof("fetched %s track %s (%d bytes) into %s", resp.Quality, cmd.TrackId, resp.Size, args[1])
		return nil
	case "serve":
		if len(args) != 1 {
			return errUsage
		}

		server, err := NewApiServer(app.cfg.Server.Address, app.cfg.Server.Port, app.cfg.Server.AllowOrigin,
			app.cfg.Server.CertFile, app.cfg.Server.KeyFile, app.cfg.Server.MaxBodySize)
		if err != nil {
			return fmt.Errorf("failed creating api server: %w", err)
		}

		defer server.Close()

		app.serve(ctx, server)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %s", errUsage, args[0])
	}
}

// serve dispatches API requests until the context is done, every request is
// handled on its own goroutine.
func (app *App) serve(ctx context.Context, server *ApiServer) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-server.Receive():
			go func() {
				data, err := app.handleApiRequest(ctx, req)
				req.Reply(data, err)
			}()
		}
	}
}

func (app *App) handleApiRequest(ctx context.Context, req ApiRequest) (any, error) {
	switch req.Type {
	case ApiRequestTypeStatus:
		return statusResponse(), nil
	case ApiRequestTypeKey:
		data := req.Data.(ApiRequestDataKey)
		return &ApiResponseKey{Key: key.Derive(data.Identifier).String()}, nil
	case ApiRequestTypeDecrypt:
		data := req.Data.(ApiRequestDataDecrypt)
		app.log.Debugf("decrypting buffer of %d bytes with key %s", len(data.Data), dzdecrypt.ObfuscateSecret(data.Key.String()))
		return audio.DecryptBuffer(data.Key, data.Data), nil
	case ApiRequestTypeDecryptFile:
		data := req.Data.(ApiRequestDataDecryptFile)
		if len(data.Input) == 0 || len(data.Output) == 0 {
			return nil, fmt.Errorf("%w: missing input or output path", ErrBadRequest)
		}

		k, err := resolveKey(data.TrackId, data.Key)
		if err != nil {
			return nil, err
		}

		return nil, app.decryptFile(ctx, k, data.Input, data.Output)
	case ApiRequestTypeFetch:
		return app.fetchTrack(ctx, req.Data.(ApiRequestDataFetch))
	default:
		return nil, fmt.Errorf("unknown request type: %s", req.Type)
	}
}

func (app *App) decryptFile(ctx context.Context, k key.Key, inputPath, outputPath string) error {
	log := app.log.WithField("input", inputPath).WithField("output", outputPath)
	log.Debugf("decrypting file with key %s", dzdecrypt.ObfuscateSecret(k.String()))

	if err := audio.DecryptFile(ctx, k, inputPath, outputPath); err != nil {
		return fmt.Errorf("failed decrypting %s: %w", inputPath, err)
	}

	log.Infof("decrypted file")
	return nil
}

// fetchTrack downloads and decrypts a track, falling back to lower qualities
// when the requested one is not available.
func (app *App) fetchTrack(ctx context.Context, req ApiRequestDataFetch) (*ApiResponseFetch, error) {
	if len(req.TrackId) == 0 || len(req.Output) == 0 {
		return nil, fmt.Errorf("%w: missing track id or output path", ErrBadRequest)
	}

	info := cdn.TrackInfo{
		TrackId:      dzdecrypt.TrackId(req.TrackId),
		Md5Origin:    req.Md5Origin,
		MediaVersion: req.MediaVersion,
		Quality:      cdn.QualityMP3320,
	}

	if len(req.Quality) > 0 {
		var err error
		if info.Quality, err = cdn.ParseQuality(req.Quality); err != nil {
			return nil, err
		}
	}

	k := key.Derive(req.TrackId)
	for {
		streamUrl, err := app.streamUrl(info)
		if err != nil {
			return nil, err
		}

		size, err := app.download(ctx, streamUrl, k, req.Output)

		var statusErr *cdn.StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			next, ok := info.EffectiveQuality().Fallback()
			if !ok || info.TrackId.IsUserUploaded() {
				return nil, fmt.Errorf("track %s is not available: %w", info.TrackId, err)
			}

			app.log.WithError(err).Warnf("quality %s not available for track %s, trying %s", info.EffectiveQuality(), info.TrackId, next)
			info.Quality = next
			continue
		} else if err != nil {
			return nil, err
		}

		return &ApiResponseFetch{Url: streamUrl, Quality: info.EffectiveQuality().String(), Size: size}, nil
	}
}

// download fetches the encrypted stream next to outputPath and decrypts it there.
func (app *App) download(ctx context.Context, streamUrl string, k key.Key, outputPath string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".*.enc")
	if err != nil {
		return 0, fmt.Errorf("failed creating download file: %w", err)
	}

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	size, err := app.fetcher.Fetch(ctx, streamUrl, tmp)
	if err != nil {
		return 0, err
	} else if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed closing download file: %w", err)
	}

	if err := app.decryptFile(ctx, k, tmp.Name(), outputPath); err != nil {
		return 0, err
	}

	return size, nil
}
