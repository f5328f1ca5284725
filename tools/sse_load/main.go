// Command sse_load opens many observer connections against the account
// mirror stream and reports connection and per-type event counts.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// counter tallies stream events by their SSE event name.
type counter struct {
	mu     sync.Mutex
	byType map[string]int64
	total  atomic.Int64
}

func newCounter() *counter {
	return &counter{byType: make(map[string]int64)}
}

func (c *counter) add(event string) {
	c.total.Add(1)
	c.mu.Lock()
	c.byType[event]++
	c.mu.Unlock()
}

func (c *counter) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.byType))
	for name := range c.byType {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, c.byType[name]))
	}
	return strings.Join(parts, " ")
}

// consume reads one SSE stream until it fails. Heartbeat comments are skipped;
// an event counts once its data line arrives.
func consume(r io.Reader, c *counter) error {
	reader := bufio.NewReader(r)
	event := ""
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "" || strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event == "" {
				event = "message"
			}
			c.add(event)
			event = ""
		}
	}
}

func main() {
	var (
		targetURL    string
		connections  int
		testDuration time.Duration
		rampUp       time.Duration
	)

	flag.StringVar(&targetURL, "url", "http://localhost:8000/stream", "observer stream URL")
	flag.IntVar(&connections, "conns", 1000, "number of concurrent connections to open")
	flag.DurationVar(&testDuration, "dur", 60*time.Second, "test duration (0 for until interrupted)")
	flag.DurationVar(&rampUp, "ramp", 0, "ramp-up duration (spread connection starts across this window)")
	flag.Parse()

	if connections <= 0 {
		log.Fatalf("invalid conns: %d", connections)
	}
	if rampUp == 0 && connections > 100 {
		// 1 second per 500 connections
		rampUp = max(time.Duration(connections/500)*time.Second, time.Second)
		log.Printf("no ramp-up specified for high connection count, using %s", rampUp)
	}

	log.Printf("starting SSE load: url=%s conns=%d duration=%s ramp=%s", targetURL, connections, testDuration, rampUp)

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     connections + 100,
			MaxIdleConns:        connections + 100,
			MaxIdleConnsPerHost: connections + 100,
			DisableCompression:  true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if testDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, testDuration)
		defer cancel()
	}

	var (
		connected   atomic.Int64
		connectErrs atomic.Int64
		streamErrs  atomic.Int64
		events      = newCounter()
		wg          sync.WaitGroup
		start       = time.Now()
		interval    time.Duration
	)
	if rampUp > 0 {
		interval = rampUp / time.Duration(connections)
	}

	for i := 0; i < connections && ctx.Err() == nil; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				continue
			case <-time.After(interval):
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
			if err != nil {
				connectErrs.Add(1)
				return
			}
			req.Header.Set("Accept", "text/event-stream")

			resp, err := client.Do(req)
			if err != nil {
				connectErrs.Add(1)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				connectErrs.Add(1)
				return
			}

			connected.Add(1)
			if err := consume(resp.Body, events); err != nil && ctx.Err() == nil {
				streamErrs.Add(1)
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Printf("status: connected=%d connect_errs=%d stream_errs=%d events=%d elapsed=%s",
					connected.Load(), connectErrs.Load(), streamErrs.Load(), events.total.Load(),
					time.Since(start).Truncate(time.Second))
			}
		}
	}()

	wg.Wait()

	elapsed := max(time.Since(start), time.Millisecond)
	fmt.Printf("done: connected=%d connect_errs=%d stream_errs=%d events=%d elapsed=%s events/s=%.2f\n",
		connected.Load(), connectErrs.Load(), streamErrs.Load(), events.total.Load(),
		elapsed.Truncate(time.Millisecond), float64(events.total.Load())/elapsed.Seconds())
	fmt.Printf("by type: %s\n", events)
}
