package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	dzdecrypt "github.com/devgianlu/go-dzdecrypt"
	"github.com/devgianlu/go-dzdecrypt/cdn"
	"github.com/devgianlu/go-dzdecrypt/key"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
)

const readHeaderTimeout = 10 * time.Second

type ApiServer struct {
	allowOrigin string
	certFile    string
	keyFile     string
	maxBodySize int64

	close    atomic.Bool
	listener net.Listener
	server   *http.Server

	requests chan ApiRequest
	done     chan struct{}
}

var (
	ErrBadRequest    = errors.New("bad request")
	ErrIncompleteTls = errors.New("both cert_file and key_file are required for tls")
	ErrBodyTooLarge  = errors.New("request body too large")
)

type ApiRequestType string

const (
	ApiRequestTypeStatus      ApiRequestType = "status"
	ApiRequestTypeKey         ApiRequestType = "key"
	ApiRequestTypeDecrypt     ApiRequestType = "decrypt"
	ApiRequestTypeDecryptFile ApiRequestType = "decrypt_file"
	ApiRequestTypeFetch       ApiRequestType = "fetch"
)

type ApiRequest struct {
	Type ApiRequestType
	Data any

	resp chan apiResponse
}

func (r *ApiRequest) Reply(data any, err error) {
	r.resp <- apiResponse{data, err}
}

type ApiRequestDataKey struct {
	Identifier string `json:"identifier"`
}

type ApiRequestDataDecrypt struct {
	Key  key.Key
	Data []byte
}

type ApiRequestDataDecryptFile struct {
	TrackId string `json:"track_id"`
	Key     string `json:"key"`
	Input   string `json:"input"`
	Output  string `json:"output"`
}

type ApiRequestDataFetch struct {
	TrackId      string `json:"track_id"`
	Md5Origin    string `json:"md5_origin"`
	MediaVersion string `json:"media_version"`
	Quality      string `json:"quality"`
	Output       string `json:"output"`
}

type apiResponse struct {
	data any
	err  error
}

type ApiResponseStatus struct {
	Version    string `json:"version"`
	SystemInfo string `json:"system_info"`
}

type ApiResponseKey struct {
	Key string `json:"key"`
}

type ApiResponseFetch struct {
	Url     string `json:"url"`
	Quality string `json:"quality"`
	Size    int64  `json:"size"`
}

// resolveKey returns the key given explicitly as hex, or derives it from
// the track id. Exactly one of the two must be provided.
func resolveKey(trackId, hexKey string) (key.Key, error) {
	switch {
	case len(trackId) > 0 && len(hexKey) > 0:
		return key.Key{}, fmt.Errorf("%w: both track id and key provided", ErrBadRequest)
	case len(hexKey) > 0:
		k, err := key.FromHex(hexKey)
		if err != nil {
			return key.Key{}, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}

		return k, nil
	case len(trackId) > 0:
		return key.Derive(trackId), nil
	default:
		return key.Key{}, fmt.Errorf("%w: missing track id or key", ErrBadRequest)
	}
}

func NewApiServer(address string, port int, allowOrigin string, certFile string, keyFile string, maxBodySize int64) (_ *ApiServer, err error) {
	if (len(certFile) > 0) != (len(keyFile) > 0) {
		return nil, ErrIncompleteTls
	}

	s := &ApiServer{allowOrigin: allowOrigin, certFile: certFile, keyFile: keyFile, maxBodySize: maxBodySize}
	s.requests = make(chan ApiRequest)
	s.done = make(chan struct{})

	s.listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("failed starting api listener: %w", err)
	}

	log.Infof("api server listening on %s", s.listener.Addr())

	s.server = &http.Server{Handler: s.handler(), ReadHeaderTimeout: readHeaderTimeout}

	go s.serve()
	return s, nil
}

func (s *ApiServer) handleRequest(req ApiRequest, w http.ResponseWriter) {
	req.resp = make(chan apiResponse, 1)
	select {
	case s.requests <- req:
	case <-s.done:
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	resp := <-req.resp

	if resp.err != nil {
		switch {
		case errors.Is(resp.err, ErrBadRequest),
			errors.Is(resp.err, key.ErrInvalidKeyLength),
			errors.Is(resp.err, cdn.ErrInvalidQuality),
			errors.Is(resp.err, cdn.ErrMissingMd5Origin):
			writeError(w, http.StatusBadRequest, resp.err)
			return
		case errors.Is(resp.err, os.ErrNotExist):
			writeError(w, http.StatusNotFound, resp.err)
			return
		default:
			log.WithError(resp.err).Errorf("failed handling request %s", req.Type)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	switch respData := resp.data.(type) {
	case nil:
		w.WriteHeader(http.StatusNoContent)
	case []byte:
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(respData)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(respData)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// readBody reads the whole request body, enforcing the configured size limit.
func (s *ApiServer) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := r.Body
	if s.maxBodySize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, ErrBodyTooLarge
		}

		return nil, err
	}

	return data, nil
}

func (s *ApiServer) handler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
	})
	m.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeStatus}, w)
	})
	m.HandleFunc("/key", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var data ApiRequestDataKey
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeKey, Data: data}, w)
	})
	m.HandleFunc("/decrypt", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		k, err := resolveKey(r.URL.Query().Get("track_id"), r.URL.Query().Get("key"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		body, err := s.readBody(w, r)
		if errors.Is(err, ErrBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		} else if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeDecrypt, Data: ApiRequestDataDecrypt{Key: k, Data: body}}, w)
	})
	m.HandleFunc("/decrypt/file", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var data ApiRequestDataDecryptFile
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeDecryptFile, Data: data}, w)
	})
	m.HandleFunc("/fetch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var data ApiRequestDataFetch
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeFetch, Data: data}, w)
	})

	c := cors.New(cors.Options{
		AllowedOrigins:      []string{s.allowOrigin},
		AllowedMethods:      []string{http.MethodGet, http.MethodPost},
		AllowPrivateNetwork: true,
	})

	return c.Handler(m)
}

func (s *ApiServer) serve() {
	var err error
	if len(s.certFile) > 0 && len(s.keyFile) > 0 {
		err = s.server.ServeTLS(s.listener, s.certFile, s.keyFile)
	} else {
		err = s.server.Serve(s.listener)
	}

	if s.close.Load() || errors.Is(err, http.ErrServerClosed) {
		return
	} else if err != nil {
		log.WithError(err).Error("failed serving api")
	}
}

func (s *ApiServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *ApiServer) Receive() <-chan ApiRequest {
	return s.requests
}

func (s *ApiServer) Close() {
	if s.close.Swap(true) {
		return
	}

	close(s.done)
	_ = s.server.Close()
}

func statusResponse() *ApiResponseStatus {
	return &ApiResponseStatus{
		Version:    dzdecrypt.VersionNumberString(),
		SystemInfo: dzdecrypt.SystemInfoString(),
	}
}
