// Command sseload opens many subscriptions to the withdrawal stream and reports
// how many stayed connected and how many events and heartbeats they received.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

type stats struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	limited     atomic.Int64
	streamErrs  atomic.Int64
	events      atomic.Int64
	heartbeats  atomic.Int64
}

func (s *stats) String() string {
	return fmt.Sprintf("connected=%d connect_errs=%d rate_limited=%d stream_errs=%d events=%d heartbeats=%d",
		s.connected.Load(), s.connectErrs.Load(), s.limited.Load(), s.streamErrs.Load(), s.events.Load(), s.heartbeats.Load())
}

func main() {
	var (
		baseURL     string
		account     string
		connections int
		duration    time.Duration
		rampUp      time.Duration
	)

	flag.StringVar(&baseURL, "url", "http://localhost:8080", "bulliond public address")
	flag.StringVar(&account, "account", "", "only receive withdrawals of this account")
	flag.IntVar(&connections, "conns", 500, "number of concurrent subscriptions")
	flag.DurationVar(&duration, "dur", time.Minute, "test duration (0 for until interrupted)")
	flag.DurationVar(&rampUp, "ramp", 0, "spread connection starts across this window")
	flag.Parse()

	if connections <= 0 {
		log.Fatalf("invalid conns: %d", connections)
	}
	if rampUp == 0 && connections > 100 {
		// 1 second per 500 connections
		rampUp = max(time.Duration(connections/500)*time.Second, time.Second)
	}

	target := strings.TrimRight(baseURL, "/") + "/v1/withdrawals/stream"
	if account != "" {
		target += "?account=" + account
	}
	log.Printf("starting stream load: url=%s conns=%d duration=%s ramp=%s", target, connections, duration, rampUp)

	client := &http.Client{Transport: &http.Transport{
		MaxConnsPerHost:     connections + 100,
		MaxIdleConns:        connections + 100,
		MaxIdleConnsPerHost: connections + 100,
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	var (
		st    stats
		wg    sync.WaitGroup
		start = time.Now()
		gap   = rampUp / time.Duration(connections)
	)

	go report(ctx, &st, start)

	for i := 0; i < connections && ctx.Err() == nil; i++ {
		if i > 0 && gap > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(gap):
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			subscribe(ctx, client, target, &st)
		}()
	}

	wg.Wait()
	fmt.Printf("done: %s elapsed=%s\n", &st, time.Since(start).Truncate(time.Millisecond))
	if st.connectErrs.Load() > 0 || st.streamErrs.Load() > 0 {
		os.Exit(1)
	}
}

func subscribe(ctx context.Context, client *http.Client, target string, st *stats) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		st.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			st.connectErrs.Add(1)
		}
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		st.limited.Add(1)
		return
	default:
		st.connectErrs.Add(1)
		return
	}

	st.connected.Add(1)
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil {
				st.streamErrs.Add(1)
			}
			return
		}
		switch {
		case strings.HasPrefix(line, ":"):
			st.heartbeats.Add(1)
		case strings.HasPrefix(line, "event: withdrawal"):
			st.events.Add(1)
		}
	}
}

func report(ctx context.Context, st *stats, start time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("status: %s elapsed=%s", st, time.Since(start).Truncate(time.Second))
		}
	}
}
