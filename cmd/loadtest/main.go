// Command loadtest opens concurrent voice sessions against the gateway and
// reports time-to-response.
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

const (
	sampleRate = 16000
	chunkDur   = 20 * time.Millisecond
	chunkBytes = sampleRate * 2 / 50 // 20ms of 16-bit mono
)

type options struct {
	gateway     string
	concurrency int
	duration    time.Duration
	speech      time.Duration
	silence     time.Duration
	timeout     time.Duration
	permissions []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := options{}
	cmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Drive concurrent voice sessions against the gateway",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Load test: %d concurrent sessions for %s against %s\n\n", o.concurrency, o.duration, o.gateway)
			results := run(o)
			printSummary(cmd.OutOrStdout(), results)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.gateway, "gateway", "ws://localhost:8000/ws/session", "gateway websocket URL")
	f.IntVar(&o.concurrency, "concurrency", 10, "number of concurrent sessions")
	f.DurationVar(&o.duration, "duration", 30*time.Second, "test duration")
	f.DurationVar(&o.speech, "speech", 1500*time.Millisecond, "tone length per utterance")
	f.DurationVar(&o.silence, "silence", time.Second, "silence streamed after each utterance")
	f.DurationVar(&o.timeout, "timeout", 30*time.Second, "wait for a response")
	f.StringSliceVar(&o.permissions, "permission", nil, "session permission (repeatable)")
	return cmd
}

func run(o options) []sessionResult {
	var mu sync.Mutex
	var results []sessionResult
	var wg sync.WaitGroup
	deadline := time.Now().Add(o.duration)

	for range o.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				r := runSession(o)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return results
}

type inbound struct {
	Type string `json:"type"`
}

func runSession(o options) sessionResult {
	conn, _, err := websocket.DefaultDialer.Dial(o.gateway, nil)
	if err != nil {
		return sessionResult{err: fmt.Sprintf("dial: %v", err)}
	}
	defer conn.Close()

	start, _ := json.Marshal(map[string]any{
		"format":      "pcm16",
		"sample_rate": sampleRate,
		"user_id":     fmt.Sprintf("loadtest-%d", rand.Intn(1_000_000)),
		"permissions": o.permissions,
	})
	if err := conn.WriteMessage(websocket.TextMessage, start); err != nil {
		return sessionResult{err: fmt.Sprintf("send start: %v", err)}
	}

	events := make(chan string, 64)
	firstAudio := make(chan time.Time, 1)
	go readEvents(conn, events, firstAudio)

	if typ := <-events; typ != "session_started" {
		return sessionResult{err: fmt.Sprintf("expected session_started, got %q", typ)}
	}

	var spokeAt time.Time
	for _, chunk := range utterance(o.speech, o.silence) {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk.data); err != nil {
			return sessionResult{err: fmt.Sprintf("send audio: %v", err)}
		}
		if chunk.speech {
			spokeAt = time.Now()
		}
		time.Sleep(chunkDur)
	}

	res := sessionResult{}
	timeout := time.After(o.timeout)
	for {
		select {
		case typ, ok := <-events:
			if !ok {
				res.err = "connection closed before response"
				return res
			}
			switch typ {
			case "cancelled":
				res.cancelled++
			case "error":
				res.err = "gateway error"
				return res
			case "response":
				res.success = true
				res.responseMs = msSince(spokeAt)
				select {
				case at := <-firstAudio:
					res.audioMs = float64(at.Sub(spokeAt).Microseconds()) / 1000
					res.hasAudio = true
				default:
				}
				end, _ := json.Marshal(map[string]string{"type": "end"})
				_ = conn.WriteMessage(websocket.TextMessage, end)
				return res
			}
		case <-timeout:
			res.err = "timed out waiting for response"
			return res
		}
	}
}

func readEvents(conn *websocket.Conn, events chan<- string, firstAudio chan<- time.Time) {
	defer close(events)
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ == websocket.BinaryMessage {
			select {
			case firstAudio <- time.Now():
			default:
			}
			continue
		}
		var m inbound
		if json.Unmarshal(data, &m) == nil {
			events <- m.Type
		}
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}

type chunk struct {
	data   []byte
	speech bool
}

// utterance returns a 440Hz tone followed by digital silence, in 20ms chunks.
func utterance(speech, silence time.Duration) []chunk {
	var out []chunk
	n := int(speech / chunkDur)
	for i := range n {
		out = append(out, chunk{data: tone(i * chunkBytes / 2), speech: true})
	}
	for range int(silence / chunkDur) {
		out = append(out, chunk{data: make([]byte, chunkBytes)})
	}
	return out
}

func tone(offset int) []byte {
	buf := make([]byte, chunkBytes)
	for i := range chunkBytes / 2 {
		t := float64(offset+i) / sampleRate
		sample := math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(sample*math.MaxInt16)))
	}
	return buf
}
