package speech

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/bus"
	"github.com/loqalabs/loqa-umwelt/internal/config"
	"github.com/loqalabs/loqa-umwelt/internal/natsserver"
	"github.com/loqalabs/loqa-umwelt/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func speechConfig() config.SpeechConfig {
	return config.SpeechConfig{Enabled: true, Mode: "mock", Voice: "en-US", SampleRate: 16000, Channels: 1, TimeoutMS: 2000}
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, discard())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "speech-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, discard())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestSpeakerBlocksUntilFinalChunk(t *testing.T) {
	client := connect(t)
	audio := make(chan *nats.Msg, 4)
	done := make(chan *nats.Msg, 4)
	_, err := client.Conn().ChanSubscribe(protocol.SubjectSpeechAudio, audio)
	require.NoError(t, err)
	_, err = client.Conn().ChanSubscribe(protocol.SubjectSpeechDone, done)
	require.NoError(t, err)

	svc := NewService(context.Background(), speechConfig(), client, NewMockSynth(16000, 1, time.Millisecond), discard())
	t.Cleanup(svc.Close)

	start := time.Now()
	require.NoError(t, svc.Speaker("s-1").Speak(context.Background(), "year 2001, country USA", 2))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	var chunk protocol.SpeechAudio
	select {
	case msg := <-audio:
		require.NoError(t, json.Unmarshal(msg.Data, &chunk))
	case <-time.After(2 * time.Second):
		t.Fatal("no speech audio published")
	}
	assert.Equal(t, "s-1", chunk.SessionID)
	assert.True(t, chunk.Final)
	assert.NotEmpty(t, chunk.UtteranceID)

	var status protocol.SpeechDone
	select {
	case msg := <-done:
		require.NoError(t, json.Unmarshal(msg.Data, &status))
	case <-time.After(2 * time.Second):
		t.Fatal("no speech status published")
	}
	assert.False(t, status.Cancelled)
	assert.Equal(t, chunk.UtteranceID, status.UtteranceID)
}

func TestSpeakerCancellation(t *testing.T) {
	svc := NewService(context.Background(), speechConfig(), nil, NewMockSynth(16000, 1, time.Second), discard())
	t.Cleanup(svc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- svc.Speaker("s-1").Speak(ctx, "a long sentence", 1) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("speak did not return after cancellation")
	}
}

func TestServiceAnswersBusRequests(t *testing.T) {
	client := connect(t)
	done := make(chan *nats.Msg, 1)
	_, err := client.Conn().ChanSubscribe(protocol.SubjectSpeechDone, done)
	require.NoError(t, err)

	svc := NewService(context.Background(), speechConfig(), client, NewMockSynth(16000, 1, 0), discard())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	assert.True(t, svc.Healthy())

	require.NoError(t, client.PublishJSON(protocol.SubjectSpeechRequest, protocol.SpeechRequest{SessionID: "s-2", UtteranceID: "u-1", Text: "France"}))
	select {
	case msg := <-done:
		var status protocol.SpeechDone
		require.NoError(t, json.Unmarshal(msg.Data, &status))
		assert.Equal(t, "u-1", status.UtteranceID)
		assert.Empty(t, status.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no speech status published")
	}
}

type stubSynth struct{ final bool }

func (s stubSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error)
	chunks <- Chunk{Final: s.final}
	close(chunks)
	close(errs)
	return chunks, errs
}

func TestSpeakRequiresFinalChunk(t *testing.T) {
	svc := NewService(context.Background(), speechConfig(), nil, stubSynth{}, discard())
	t.Cleanup(svc.Close)
	assert.ErrorIs(t, svc.Speaker("s").Speak(context.Background(), "x", 1), ErrNoFinalChunk)
}

func TestExecSynthStreamsChunks(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "say.sh")
	body := "#!/bin/sh\ncat > /dev/null\necho '{\"pcm_base64\":\"AAE=\",\"final\":false}'\necho '{\"pcm_base64\":\"AgM=\",\"final\":true}'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	synth, err := NewExecSynth("sh "+script, 22050, 1)
	require.NoError(t, err)

	chunks, errs := synth.Synthesize(context.Background(), Request{Text: "2001", Rate: 1.5})
	var got []Chunk
	for c := range chunks {
		got = append(got, c)
	}
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, got, 2)
	assert.Equal(t, []byte{0, 1}, got[0].PCM)
	assert.Equal(t, 1, got[1].Sequence)
	assert.True(t, got[1].Final)
	assert.Equal(t, 22050, got[1].SampleRate)
}

func TestExecSynthRejectsEmptyCommand(t *testing.T) {
	_, err := NewExecSynth("  ", 22050, 1)
	assert.Error(t, err)
}

func TestExecSynthReportsStderr(t *testing.T) {
	script := filepath.Join(t.TempDir(), "say.sh")
	body := "#!/bin/sh\ncat > /dev/null\necho 'voice en-XX not installed' >&2\nexit 3\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	synth, err := NewExecSynth("sh "+script, 22050, 1)
	require.NoError(t, err)
	chunks, errs := synth.Synthesize(context.Background(), Request{Text: "x"})
	for range chunks {
		t.Fatal("unexpected chunk")
	}
	err = <-errs
	require.Error(t, err)
	assert.Contains(t, err.Error(), "voice en-XX not installed")
}
