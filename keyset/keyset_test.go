package main

import (
	"bytes"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"41.neocities.org/offline/drm"
)

const protectedMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" xmlns:cenc="urn:mpeg:cenc:2013"
  type="static" mediaPresentationDuration="PT10S" minBufferTime="PT2S">
  <Period>
    <AdaptationSet mimeType="audio/mp4" contentType="audio">
      <Representation id="a1" bandwidth="128000" codecs="mp4a.40.2"/>
    </AdaptationSet>
    <AdaptationSet mimeType="video/mp4">
      <ContentProtection schemeIdUri="urn:mpeg:dash:mp4protection:2011" value="cenc" cenc:default_KID="10000000-1000-1000-1000-100000000000"/>
      <ContentProtection schemeIdUri="urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"/>
      <SegmentTemplate initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Number$.m4s" duration="2" timescale="1"/>
      <Representation id="v1" bandwidth="1000000" codecs="avc1.64001f" width="1280" height="720"/>
    </AdaptationSet>
  </Period>
</MPD>`

const clearMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT10S" minBufferTime="PT2S">
  <Period>
    <AdaptationSet contentType="audio" mimeType="audio/mp4">
      <Representation id="a" bandwidth="64000" codecs="mp4a.40.2"/>
    </AdaptationSet>
  </Period>
</MPD>`

func box(kind string, payload ...[]byte) []byte {
	size := 8
	for _, p := range payload {
		size += len(p)
	}
	out := binary.BigEndian.AppendUint32(nil, uint32(size))
	out = append(out, kind...)
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}

func initSegment(pssh []byte) []byte {
	body := []byte{0, 0, 0, 0}
	body = append(body, drm.Widevine[:]...)
	body = binary.BigEndian.AppendUint32(body, uint32(len(pssh)))
	body = append(body, pssh...)
	return append(box("ftyp", []byte("iso6"), []byte{0, 0, 0, 0}), box("moov", box("pssh", body))...)
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/protected.mpd", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(protectedMPD))
	})
	mux.HandleFunc("/clear.mpd", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(clearMPD))
	})
	mux.HandleFunc("/v1/init.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write(initSegment([]byte("sample-pssh")))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, logLevel, periodFlag, showPssh = "", "", 0, false
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestInitData(t *testing.T) {
	srv := newServer(t)

	out, err := run(t, "init-data", "--pssh", srv.URL+"/protected.mpd")
	require.NoError(t, err)
	assert.Contains(t, out, "scheme type: cenc")
	assert.Contains(t, out, "widevine")
	assert.Contains(t, out, "kid=10000000100010001000100000000000")
	assert.Contains(t, out, "pssh=11 bytes")
	assert.Contains(t, out, "c2FtcGxlLXBzc2g=")
}

func TestInitDataUnprotected(t *testing.T) {
	srv := newServer(t)

	out, err := run(t, "init-data", srv.URL+"/clear.mpd")
	require.NoError(t, err)
	assert.Equal(t, "unprotected\n", out)
}

func TestRepresentations(t *testing.T) {
	srv := newServer(t)

	out, err := run(t, "representations", srv.URL+"/protected.mpd")
	require.NoError(t, err)
	assert.Contains(t, out, "a1")
	assert.Contains(t, out, "1280x720")
	assert.Contains(t, out, "preferred: video v1")
}

func TestLoadErrors(t *testing.T) {
	srv := newServer(t)

	_, err := run(t, "init-data", srv.URL+"/missing.mpd")
	assert.Error(t, err)

	_, err = run(t, "representations", "--period", "3", srv.URL+"/clear.mpd")
	assert.ErrorContains(t, err, "period 3 out of range")

	_, err = run(t, "init-data")
	assert.Error(t, err)
}
