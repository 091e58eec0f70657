// Command callsim replays a synthetic voice call against a running gateway:
// it dials the browser websocket, streams tone bursts shaped like speech,
// and prints the transcripts, events and latency snapshot that come back.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lmattei/voiceline/internal/protocol"
)

type options struct {
	baseURL     string
	turns       int
	chunkMS     int
	speechMS    int
	silenceMS   int
	amplitude   int
	sampleRate  int
	turnTimeout time.Duration
	settle      time.Duration
	verbose     bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var turnTimeoutMS, settleMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "gateway base URL")
	flag.IntVar(&cfg.turns, "turns", 3, "number of caller turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 20, "audio chunk size in milliseconds")
	flag.IntVar(&cfg.speechMS, "speech-ms", 600, "tone burst length per turn in milliseconds")
	flag.IntVar(&cfg.silenceMS, "silence-ms", 800, "trailing silence per turn in milliseconds")
	flag.IntVar(&cfg.amplitude, "amplitude", 2000, "tone amplitude in int16 sample units")
	flag.IntVar(&cfg.sampleRate, "sample-rate", 16000, "PCM sample rate in Hz")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for the committed transcript per turn")
	flag.IntVar(&settleMS, "settle-ms", 1500, "time to keep reading agent audio after each commit")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.speechMS < cfg.chunkMS || cfg.silenceMS < cfg.chunkMS {
		return options{}, fmt.Errorf("speech-ms and silence-ms must be at least one chunk")
	}
	if cfg.amplitude <= 0 || cfg.amplitude > 32767 {
		return options{}, fmt.Errorf("amplitude must be in (0,32767]")
	}
	if cfg.sampleRate < 8000 {
		return options{}, fmt.Errorf("sample-rate must be >= 8000")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.settle = time.Duration(settleMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(cfg.baseURL, "http") + "/v1/call/ws"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	start, err := json.Marshal(protocol.ClientControl{
		Type:       protocol.TypeClientControl,
		Action:     "start",
		SampleRate: cfg.sampleRate,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, start); err != nil {
		return fmt.Errorf("send start: %w", err)
	}

	var audioBytes atomic.Int64
	finalCh := make(chan string, 8)
	readErrCh := make(chan error, 1)
	go readLoop(conn, &audioBytes, finalCh, readErrCh, cfg.verbose)

	for i := 0; i < cfg.turns; i++ {
		select {
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		default:
		}

		if cfg.verbose {
			fmt.Printf("callsim: turn %d/%d speaking %dms then %dms silence\n", i+1, cfg.turns, cfg.speechMS, cfg.silenceMS)
		}
		if err := sendTurnAudio(conn, cfg); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}

		text, err := awaitFinal(finalCh, readErrCh, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await transcript: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Printf("callsim: turn %d committed %q\n", i+1, text)
		}

		// Let the agent's reply audio stream in before the next turn starts.
		before := audioBytes.Load()
		time.Sleep(cfg.settle)
		if cfg.verbose {
			fmt.Printf("callsim: turn %d received %d bytes of agent audio\n", i+1, audioBytes.Load()-before)
		}
	}

	endMsg, err := json.Marshal(protocol.ClientControl{Type: protocol.TypeClientControl, Action: "end"})
	if err != nil {
		return err
	}
	_ = conn.WriteMessage(websocket.TextMessage, endMsg)

	if err := printLatency(ctx, cfg.baseURL); err != nil {
		fmt.Fprintf(os.Stderr, "callsim: latency snapshot unavailable: %v\n", err)
	}
	if cfg.verbose {
		fmt.Println("callsim: replay completed")
	}
	return nil
}

// sendTurnAudio paces one caller turn in real time: a tone burst the
// detector hears as speech, then enough silence to commit the utterance.
func sendTurnAudio(conn *websocket.Conn, cfg options) error {
	chunkSamples := cfg.sampleRate * cfg.chunkMS / 1000
	speechChunks := cfg.speechMS / cfg.chunkMS
	silenceChunks := cfg.silenceMS / cfg.chunkMS

	tone := toneChunk(chunkSamples, cfg.amplitude, cfg.sampleRate)
	silence := make([]byte, chunkSamples*2)

	ticker := time.NewTicker(time.Duration(cfg.chunkMS) * time.Millisecond)
	defer ticker.Stop()

	for i := 0; i < speechChunks+silenceChunks; i++ {
		<-ticker.C
		chunk := tone
		if i >= speechChunks {
			chunk = silence
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return err
		}
	}
	return nil
}

func toneChunk(samples, amplitude, sampleRate int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := float64(amplitude) * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func readLoop(conn *websocket.Conn, audioBytes *atomic.Int64, finalCh chan<- string, errCh chan<- error, verbose bool) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if msgType == websocket.BinaryMessage {
			audioBytes.Add(int64(len(data)))
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeTranscript:
			var msg protocol.Transcript
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Final {
				select {
				case finalCh <- msg.Text:
				default:
				}
			} else if verbose {
				fmt.Printf("callsim: partial %q\n", msg.Text)
			}
		case protocol.TypeAgentChanged:
			var msg protocol.AgentChanged
			if err := json.Unmarshal(data, &msg); err == nil && verbose {
				fmt.Printf("callsim: active agent is now %s\n", msg.Agent)
			}
		case protocol.TypeStopAudio:
			var msg protocol.StopAudio
			if err := json.Unmarshal(data, &msg); err == nil && verbose {
				fmt.Printf("callsim: playback stopped (%s)\n", msg.Reason)
			}
		case protocol.TypeSessionRejected:
			var msg protocol.SessionRejected
			if err := json.Unmarshal(data, &msg); err == nil {
				errCh <- fmt.Errorf("session rejected: %s", msg.Code)
				return
			}
		case protocol.TypeErrorEvent:
			var msg protocol.ErrorEvent
			if err := json.Unmarshal(data, &msg); err == nil && verbose {
				fmt.Printf("callsim: error event code=%s source=%s detail=%s\n", msg.Code, msg.Source, msg.Detail)
			}
		}
	}
}

func awaitFinal(finalCh <-chan string, errCh <-chan error, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case text := <-finalCh:
		return text, nil
	case err := <-errCh:
		return "", err
	case <-timer.C:
		return "", fmt.Errorf("timed out after %s", timeout)
	}
}

func printLatency(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Printf("callsim: latency snapshot\n%s\n", strings.TrimSpace(string(body)))
	return nil
}
