//go:build test_integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	dzdecrypt "github.com/devgianlu/go-dzdecrypt"
	"github.com/devgianlu/go-dzdecrypt/audio"
	"github.com/devgianlu/go-dzdecrypt/cdn"
	"github.com/devgianlu/go-dzdecrypt/key"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type ApiServerIntegrationSuite struct {
	suite.Suite

	app    *App
	server *ApiServer
	cancel context.CancelFunc
	done   chan struct{}

	cdn      *httptest.Server
	cdnData  []byte
	cdnAvail cdn.Quality

	baseUrl string
	client  *http.Client
}

func (suite *ApiServerIntegrationSuite) SetupTest() {
	cfg, _, _, err := loadConfig([]string{"--config_dir", suite.T().TempDir()})
	suite.Require().NoError(err)

	cfg.Server.MaxBodySize = 16 * audio.ChunkSize
	suite.app = NewApp(cfg)

	suite.cdnData = make([]byte, 5*audio.ChunkSize+99)
	for i := range suite.cdnData {
		suite.cdnData[i] = byte(i % 199)
	}

	suite.cdnAvail = cdn.QualityMP3320
	suite.cdn = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+suite.cdnAvail.String() {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		_, _ = w.Write(suite.cdnData)
	}))

	suite.app.fetcher = cdn.NewFetcher(&dzdecrypt.NullLogger{}, suite.cdn.Client(), 0)
	suite.app.streamUrl = func(info cdn.TrackInfo) (string, error) {
		return fmt.Sprintf("%s/%s", suite.cdn.URL, info.EffectiveQuality()), nil
	}

	suite.server, err = NewApiServer("127.0.0.1", 0, "*", "", "", cfg.Server.MaxBodySize)
	suite.Require().NoError(err)

	var ctx context.Context
	ctx, suite.cancel = context.WithCancel(context.Background())
	suite.done = make(chan struct{})
	go func() {
		suite.app.serve(ctx, suite.server)
		close(suite.done)
	}()

	suite.baseUrl = fmt.Sprintf("http://%s", suite.server.Addr())
	suite.client = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
}

func (suite *ApiServerIntegrationSuite) TearDownTest() {
	suite.cancel()
	<-suite.done

	suite.server.Close()
	suite.cdn.Close()
}

func (suite *ApiServerIntegrationSuite) post(path, contentType string, body []byte) *http.Response {
	resp, err := suite.client.Post(suite.baseUrl+path, contentType, bytes.NewReader(body))
	suite.Require().NoError(err)
	return resp
}

func (suite *ApiServerIntegrationSuite) postJson(path string, data any) *http.Response {
	body, err := json.Marshal(data)
	suite.Require().NoError(err)
	return suite.post(path, "application/json", body)
}

func readAll(resp *http.Response) []byte {
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	return data
}

func (suite *ApiServerIntegrationSuite) TestStatus() {
	resp, err := suite.client.Get(suite.baseUrl + "/status")
	suite.Require().NoError(err)
	suite.Equal(http.StatusOK, resp.StatusCode)

	var status ApiResponseStatus
	suite.Require().NoError(json.Unmarshal(readAll(resp), &status))
	suite.Equal(dzdecrypt.VersionNumberString(), status.Version)
}

func (suite *ApiServerIntegrationSuite) TestKey() {
	resp := suite.postJson("/key", ApiRequestDataKey{Identifier: "test"})
	suite.Equal(http.StatusOK, resp.StatusCode)

	var keyResp ApiResponseKey
	suite.Require().NoError(json.Unmarshal(readAll(resp), &keyResp))
	suite.Equal("346c396f373f2c34367a76603f693034", keyResp.Key)
}

func (suite *ApiServerIntegrationSuite) TestKeyWrongMethod() {
	resp, err := suite.client.Get(suite.baseUrl + "/key")
	suite.Require().NoError(err)
	_ = readAll(resp)
	suite.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
}

func (suite *ApiServerIntegrationSuite) TestDecrypt() {
	data := suite.cdnData

	resp := suite.post("/decrypt?track_id=3135556", "application/octet-stream", data)
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.Equal(audio.DecryptBuffer(key.Derive("3135556"), data), readAll(resp))

	resp = suite.post("/decrypt?key="+key.Derive("3135556").String(), "application/octet-stream", data)
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.Equal(audio.DecryptBuffer(key.Derive("3135556"), data), readAll(resp))
}

func (suite *ApiServerIntegrationSuite) TestDecryptEmpty() {
	resp := suite.post("/decrypt?track_id=1", "application/octet-stream", nil)
	suite.Equal(http.StatusOK, resp.StatusCode)
	suite.Empty(readAll(resp))
}

func (suite *ApiServerIntegrationSuite) TestDecryptBadKey() {
	for _, query := range []string{"", "?key=00ff", "?key=zz", "?key=00&track_id=1"} {
		resp := suite.post("/decrypt"+query, "application/octet-stream", []byte("data"))
		_ = readAll(resp)
		suite.Equal(http.StatusBadRequest, resp.StatusCode, "query %q", query)
	}
}

func (suite *ApiServerIntegrationSuite) TestDecryptBodyTooLarge() {
	resp := suite.post("/decrypt?track_id=1", "application/octet-stream", make([]byte, 16*audio.ChunkSize+1))
	_ = readAll(resp)
	suite.Equal(http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func (suite *ApiServerIntegrationSuite) TestDecryptFile() {
	dir := suite.T().TempDir()
	in := filepath.Join(dir, "in.bin")
	out := filepath.Join(dir, "out.bin")
	suite.Require().NoError(os.WriteFile(in, suite.cdnData, 0o644))

	resp := suite.postJson("/decrypt/file", ApiRequestDataDecryptFile{TrackId: "test", Input: in, Output: out})
	_ = readAll(resp)
	suite.Equal(http.StatusNoContent, resp.StatusCode)

	got, err := os.ReadFile(out)
	suite.Require().NoError(err)
	suite.Equal(audio.DecryptBuffer(key.Derive("test"), suite.cdnData), got)
}

func (suite *ApiServerIntegrationSuite) TestDecryptFileErrors() {
	dir := suite.T().TempDir()

	resp := suite.postJson("/decrypt/file", ApiRequestDataDecryptFile{TrackId: "test", Input: filepath.Join(dir, "missing"), Output: filepath.Join(dir, "out")})
	_ = readAll(resp)
	suite.Equal(http.StatusNotFound, resp.StatusCode)

	resp = suite.postJson("/decrypt/file", ApiRequestDataDecryptFile{TrackId: "test"})
	_ = readAll(resp)
	suite.Equal(http.StatusBadRequest, resp.StatusCode)

	resp = suite.post("/decrypt/file", "application/json", []byte("{"))
	_ = readAll(resp)
	suite.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (suite *ApiServerIntegrationSuite) TestFetchWithFallback() {
	out := filepath.Join(suite.T().TempDir(), "track.mp3")

	resp := suite.postJson("/fetch", ApiRequestDataFetch{TrackId: "3135556", Md5Origin: "abc", MediaVersion: "1", Quality: "flac", Output: out})
	suite.Require().Equal(http.StatusOK, resp.StatusCode)

	var fetchResp ApiResponseFetch
	suite.Require().NoError(json.Unmarshal(readAll(resp), &fetchResp))
	suite.Equal("mp3_320", fetchResp.Quality)
	suite.EqualValues(len(suite.cdnData), fetchResp.Size)
	suite.True(strings.HasSuffix(fetchResp.Url, "/mp3_320"))

	got, err := os.ReadFile(out)
	suite.Require().NoError(err)
	suite.Equal(audio.DecryptBuffer(key.Derive("3135556"), suite.cdnData), got)

	// only the decrypted output is left behind
	entries, err := os.ReadDir(filepath.Dir(out))
	suite.Require().NoError(err)
	for _, e := range entries {
		suite.False(strings.HasSuffix(e.Name(), ".enc"), "leftover download %s", e.Name())
	}
}

func (suite *ApiServerIntegrationSuite) TestFetchNotAvailable() {
	suite.cdnAvail = cdn.Quality(0)
	out := filepath.Join(suite.T().TempDir(), "track.mp3")

	resp := suite.postJson("/fetch", ApiRequestDataFetch{TrackId: "3135556", Md5Origin: "abc", MediaVersion: "1", Output: out})
	_ = readAll(resp)
	suite.Equal(http.StatusInternalServerError, resp.StatusCode)

	_, err := os.Stat(out)
	suite.ErrorIs(err, os.ErrNotExist)
}

func (suite *ApiServerIntegrationSuite) TestFetchBadQuality() {
	resp := suite.postJson("/fetch", ApiRequestDataFetch{TrackId: "1", Quality: "best", Output: "out"})
	_ = readAll(resp)
	suite.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (suite *ApiServerIntegrationSuite) TestCors() {
	req, err := http.NewRequest(http.MethodOptions, suite.baseUrl+"/decrypt", nil)
	suite.Require().NoError(err)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := suite.client.Do(req)
	suite.Require().NoError(err)
	_ = readAll(resp)
	suite.Equal("*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestApiServerIntegrationSuite(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
	suite.Run(t, new(ApiServerIntegrationSuite))
}
