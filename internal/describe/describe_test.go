package describe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/bus"
	"github.com/loqalabs/loqa-umwelt/internal/config"
	"github.com/loqalabs/loqa-umwelt/internal/data"
	"github.com/loqalabs/loqa-umwelt/internal/natsserver"
	"github.com/loqalabs/loqa-umwelt/internal/protocol"
	"github.com/loqalabs/loqa-umwelt/internal/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var fields = spec.Fields{
	{Name: "year", Type: spec.Quantitative},
	{Name: "country", Type: spec.Nominal},
	{Name: "gdp", Type: spec.Quantitative},
}

func rows() []data.Row {
	return []data.Row{
		{"year": 2001.0, "country": "USA", "gdp": 10.5},
		{"year": 2002.0, "country": "Côte d'Ivoire, West", "gdp": 0.25},
	}
}

type countingGenerator struct {
	calls  atomic.Int32
	prompt atomic.Value
}

func (g *countingGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	g.calls.Add(1)
	g.prompt.Store(req.Prompt)
	if err := consumer(Chunk{Content: "GDP grows ", Partial: true}); err != nil {
		return err
	}
	return consumer(Chunk{Content: "over time. "})
}

func TestTable(t *testing.T) {
	table, err := Table(rows(), fields, 0)
	require.NoError(t, err)
	assert.Equal(t, "year,country,gdp\n2001,USA,10.50\n2002,\"Côte d'Ivoire, West\",0.25\n", table)

	table, err = Table(rows(), fields, 1)
	require.NoError(t, err)
	assert.Equal(t, "year,country,gdp\n2001,USA,10.50\n", table)
}

func TestDescribeCachesByContent(t *testing.T) {
	gen := &countingGenerator{}
	source := SourceFunc(func() ([]data.Row, spec.Fields) { return rows(), fields })
	svc, err := NewService(context.Background(), config.DescribeConfig{MaxRows: 10}, 4, nil, gen, source, discard())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	desc, cached, err := svc.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GDP grows over time.", desc)
	assert.False(t, cached)
	assert.Contains(t, gen.prompt.Load().(string), dataMarker+"year,country,gdp\n")

	desc, cached, err = svc.Describe(context.Background())
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "GDP grows over time.", desc)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestDescribeEmptySelection(t *testing.T) {
	source := SourceFunc(func() ([]data.Row, spec.Fields) { return nil, fields })
	svc, err := NewService(context.Background(), config.DescribeConfig{}, 0, nil, NewMockGenerator(), source, discard())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	_, _, err = svc.Describe(context.Background())
	assert.ErrorIs(t, err, ErrEmptySelection)
}

func TestMockGeneratorCountsRows(t *testing.T) {
	table, err := Table(rows(), fields, 0)
	require.NoError(t, err)
	var got string
	require.NoError(t, NewMockGenerator().Generate(context.Background(), Request{Prompt: Prompt(table)}, func(c Chunk) error {
		got = c.Content
		return nil
	}))
	assert.Equal(t, "[mock description of 2 rows]", got)
}

func TestOllamaGeneratorStreams(t *testing.T) {
	bodies := make(chan ollamaRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body ollamaRequest
		if r.URL.Path != "/api/generate" || json.NewDecoder(r.Body).Decode(&body) != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		bodies <- body
		fmt.Fprintln(w, `{"response":"Steady ","done":false}`)
		fmt.Fprintln(w, `{"response":"growth.","done":true}`)
	}))
	t.Cleanup(srv.Close)

	gen := NewOllamaGenerator(srv.URL+"/", "")
	var chunks []Chunk
	err := gen.Generate(context.Background(), Request{Prompt: "p", MaxTokens: 64}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.True(t, chunks[0].Partial)
	assert.False(t, chunks[1].Partial)
	body := <-bodies
	assert.Equal(t, defaultModel, body.Model)
	assert.Equal(t, 64, body.Options.NumPredict)
	assert.True(t, body.Stream)
}

func TestOllamaGeneratorReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	err := NewOllamaGenerator(srv.URL, "missing").Generate(context.Background(), Request{}, func(Chunk) error { return nil })
	assert.Error(t, err)
}

func TestOllamaGeneratorRejectsTruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"Half a ","done":false}`)
	}))
	t.Cleanup(srv.Close)
	err := NewOllamaGenerator(srv.URL, "").Generate(context.Background(), Request{}, func(Chunk) error { return nil })
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestExecGeneratorReportsFailure(t *testing.T) {
	script := filepath.Join(t.TempDir(), "describe.sh")
	body := "#!/bin/sh\ncat > /dev/null\necho '{\"error\":\"model offline\"}'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	gen, err := NewExecGenerator("sh " + script)
	require.NoError(t, err)
	err = gen.Generate(context.Background(), Request{Prompt: "p"}, func(Chunk) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model offline")
}

func TestExecGenerator(t *testing.T) {
	script := filepath.Join(t.TempDir(), "describe.sh")
	body := "#!/bin/sh\ncat > /dev/null\necho '{\"content\":\"A rising trend.\"}'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	gen, err := NewExecGenerator("sh " + script)
	require.NoError(t, err)
	var got string
	require.NoError(t, gen.Generate(context.Background(), Request{Prompt: "p"}, func(c Chunk) error {
		got = c.Content
		return nil
	}))
	assert.Equal(t, "A rising trend.", got)
}

func TestServiceAnswersRequests(t *testing.T) {
	log := discard()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "describe-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	source := SourceFunc(func() ([]data.Row, spec.Fields) { return rows(), fields })
	svc, err := NewService(context.Background(), config.DescribeConfig{Enabled: true, MaxRows: 10}, 4, client, NewMockGenerator(), source, log)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	assert.True(t, svc.Healthy())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var resp protocol.DescribeResponse
	require.NoError(t, client.RequestJSON(ctx, protocol.SubjectDescribeRequest, protocol.DescribeRequest{SessionID: "s", RequestID: "r-1"}, &resp))
	assert.Equal(t, "r-1", resp.RequestID)
	assert.Equal(t, "[mock description of 2 rows]", resp.Description)
	assert.Empty(t, resp.Error)
}
