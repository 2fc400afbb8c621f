// Command loadtest connects many clients to a chat server and posts random
// lines into a handful of rooms, reporting throughput and delivery latency.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aeolun/cyberchat/pkg/client"
	"github.com/aeolun/cyberchat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

type options struct {
	server     string
	clients    int
	rooms      int
	duration   time.Duration
	minDelay   time.Duration
	maxDelay   time.Duration
	reportEach time.Duration
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "loadtest",
		Short:         "Load test a chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.clients < 1 || opts.rooms < 1 {
				return fmt.Errorf("--clients and --rooms must be at least 1")
			}
			if opts.maxDelay < opts.minDelay {
				return fmt.Errorf("--max-delay must not be below --min-delay")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			run(ctx, opts)
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.server, "server", "s", "localhost:65432", "Server address")
	flags.IntVarP(&opts.clients, "clients", "c", 10, "Number of concurrent clients")
	flags.IntVar(&opts.rooms, "rooms", 3, "Rooms to spread clients over")
	flags.DurationVarP(&opts.duration, "duration", "d", time.Minute, "Test duration")
	flags.DurationVar(&opts.minDelay, "min-delay", 100*time.Millisecond, "Minimum delay between posts")
	flags.DurationVar(&opts.maxDelay, "max-delay", time.Second, "Maximum delay between posts")
	flags.DurationVar(&opts.reportEach, "report", 5*time.Second, "Stats interval")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted   atomic.Int64
	messagesFailed   atomic.Int64
	messagesReceived atomic.Int64
	totalLatency     atomic.Int64 // Send-to-delivery, in microseconds
	connectionErrors atomic.Int64
	disconnections   atomic.Int64
	connectedClients atomic.Int64
}

func (s *Stats) recordDelivery(ev protocol.ChatEvent) {
	s.messagesReceived.Add(1)
	if latency := time.Since(ev.Time()); latency > 0 {
		s.totalLatency.Add(latency.Microseconds())
	}
}

func (s *Stats) snapshot() (posted, failed, received int64, avgLatencyUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	received = s.messagesReceived.Load()
	if received > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(received)
	}
	return
}

// randomMessage builds a short line from lorem ipsum words
func randomMessage(r *rand.Rand) string {
	n := 3 + r.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[r.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

func roomName(i int) string {
	if i == 0 {
		return "general"
	}
	return fmt.Sprintf("load-%d", i)
}

// delay picks a pause in [lo, hi]
func delay(r *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(r.Int63n(int64(hi-lo)+1))
}

// runClient connects one client, moves it to its room and posts until ctx
// ends
func runClient(ctx context.Context, id int, opts options, stats *Stats) {
	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, opts.server, fmt.Sprintf("load%04d", id))
	cancel()
	if err != nil {
		stats.connectionErrors.Add(1)
		if ctx.Err() == nil {
			log.Printf("[Client %d] Connect failed: %v", id, err)
		}
		return
	}
	defer c.Close()
	stats.connectedClients.Add(1)
	defer stats.connectedClients.Add(-1)

	if room := roomName(id % opts.rooms); room != "general" {
		if err := c.Send("/join " + room); err != nil {
			stats.connectionErrors.Add(1)
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range c.Events() {
			if chat, ok := ev.(protocol.ChatEvent); ok {
				stats.recordDelivery(chat)
			}
		}
		if ctx.Err() == nil {
			stats.disconnections.Add(1)
		}
	}()

	timer := time.NewTimer(delay(r, opts.minDelay, opts.maxDelay))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Send("/quit")
			wg.Wait()
			return
		case <-c.Done():
			wg.Wait()
			return
		case <-timer.C:
			if err := c.Send(randomMessage(r)); err != nil {
				stats.messagesFailed.Add(1)
			} else {
				stats.messagesPosted.Add(1)
			}
			timer.Reset(delay(r, opts.minDelay, opts.maxDelay))
		}
	}
}

func run(ctx context.Context, opts options) {
	// Ramp up over 25% of the test
	rampUp := opts.duration / 4
	stagger := rampUp / time.Duration(opts.clients)
	if stagger < time.Millisecond {
		stagger = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", opts.server)
	log.Printf("  Clients: %d in %d rooms", opts.clients, opts.rooms)
	log.Printf("  Duration: %v", opts.duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUp, stagger)
	log.Printf("  Delay: %v - %v", opts.minDelay, opts.maxDelay)

	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	stats := &Stats{}
	start := time.Now()

	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		ticker := time.NewTicker(opts.reportEach)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report(stats, time.Since(start))
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
spawn:
	for i := 0; i < opts.clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runClient(ctx, id, opts, stats)
		}(i)

		select {
		case <-ctx.Done():
			break spawn
		case <-time.After(stagger):
		}
	}

	wg.Wait()
	<-reportDone

	posted, failed, received, avgUs := stats.snapshot()
	elapsed := time.Since(start)
	log.Printf("")
	log.Printf("Load test finished after %v", elapsed.Round(time.Millisecond))
	log.Printf("  Posted: %d (%.1f/s), failed: %d", posted, float64(posted)/elapsed.Seconds(), failed)
	log.Printf("  Delivered: %d (fan-out %.1fx), avg latency %.2fms", received, fanOut(posted, received), avgUs/1000)
	log.Printf("  Connection errors: %d, unexpected disconnects: %d",
		stats.connectionErrors.Load(), stats.disconnections.Load())
}

func report(stats *Stats, elapsed time.Duration) {
	posted, failed, received, avgUs := stats.snapshot()
	log.Printf("Stats: %d clients, %d posted (%.1f/s), %d failed, %d delivered, avg latency %.2fms, goroutines %d",
		stats.connectedClients.Load(), posted, float64(posted)/elapsed.Seconds(), failed, received,
		avgUs/1000, runtime.NumGoroutine())
}

func fanOut(posted, received int64) float64 {
	if posted == 0 {
		return 0
	}
	return float64(received) / float64(posted)
}
