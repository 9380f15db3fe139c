package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/htms/backend/internal/cryptoutil"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	BaseURL        string
	AdminKey       string
	TagHash        string
	NumEvents      int
	Concurrency    int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalEvents         uint64
	Accepted            uint64
	Rejected            uint64
	Errors              uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Backend base URL")
	tagHash := flag.String("tag", "loadtest-tag", "Tag hash to submit")
	numEvents := flag.Int("events", 1000, "Number of toll events to submit")
	concurrency := flag.Int("concurrency", 20, "Number of concurrent readers")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	adminKey := os.Getenv("HTMS_ADMIN_KEY")
	if adminKey == "" {
		slog.Error("HTMS_ADMIN_KEY is required to register load-test readers")
		os.Exit(1)
	}

	config := LoadTestConfig{
		BaseURL:        *baseURL,
		AdminKey:       adminKey,
		TagHash:        *tagHash,
		NumEvents:      *numEvents,
		Concurrency:    *concurrency,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting toll ingest load test")
	slog.Info("Target", "url", config.BaseURL)
	slog.Info("Events", "num_events", config.NumEvents)
	slog.Info("Concurrency", "concurrency", config.Concurrency)
	stats := runLoadTest(config)

	printResults(stats)
}

// loadReader is one registered reader identity driving events.
type loadReader struct {
	id         string
	secret     []byte
	keyVersion int
}

func registerReader(client *http.Client, cfg LoadTestConfig, n int) (*loadReader, error) {
	body, _ := json.Marshal(map[string]string{
		"reader_id": fmt.Sprintf("loadtest-%d-%d", time.Now().Unix(), n),
	})
	req, err := http.NewRequest("POST", cfg.BaseURL+"/admin/reader/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", cfg.AdminKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("register returned %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		ReaderID   string `json:"reader_id"`
		Secret     string `json:"secret"`
		KeyVersion int    `json:"key_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	secret, err := hex.DecodeString(out.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return &loadReader{id: out.ReaderID, secret: secret, keyVersion: out.KeyVersion}, nil
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	client := &http.Client{Timeout: 30 * time.Second}

	readers := make([]*loadReader, config.Concurrency)
	for i := range readers {
		r, err := registerReader(client, config, i)
		if err != nil {
			slog.Error("Failed to register reader", "error", err)
			os.Exit(1)
		}
		readers[i] = r
	}
	slog.Info("Registered load-test readers", "count", len(readers))

	stats := &LoadTestStats{
		MinLatency: time.Hour, // Initialize to large value
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	eventChan := make(chan int, config.NumEvents)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(reader *loadReader) {
			defer wg.Done()
			for range eventChan {
				submitEvent(client, config, reader, stats, &latencies, &latenciesMu)
			}
		}(readers[i])
	}

	for i := 0; i < config.NumEvents; i++ {
		eventChan <- i
	}
	close(eventChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalEvents) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func submitEvent(
	client *http.Client,
	config LoadTestConfig,
	reader *loadReader,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	nonce, err := cryptoutil.NewNonce()
	if err != nil {
		atomic.AddUint64(&stats.Errors, 1)
		return
	}
	ts := time.Now().UTC().Unix()

	body, _ := json.Marshal(map[string]interface{}{
		"tag_hash":    config.TagHash,
		"reader_id":   reader.id,
		"timestamp":   ts,
		"nonce":       nonce,
		"signature":   cryptoutil.SignEvent(reader.secret, config.TagHash, reader.id, ts, nonce),
		"key_version": reader.keyVersion,
	})

	start := time.Now()
	resp, err := client.Post(config.BaseURL+"/api/toll", "application/json", bytes.NewReader(body))
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalEvents, 1)
	if err != nil {
		atomic.AddUint64(&stats.Errors, 1)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		atomic.AddUint64(&stats.Accepted, 1)
	} else {
		atomic.AddUint64(&stats.Rejected, 1)
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalEvents)
			accepted := atomic.LoadUint64(&stats.Accepted)
			rejected := atomic.LoadUint64(&stats.Rejected)

			slog.Warn("Progress", "total", total, "accepted", accepted, "rejected", rejected, "min_latency", stats.MinLatency, "max_latency", stats.MaxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Events:           %d\n", stats.TotalEvents)
	fmt.Printf("Accepted (200):         %d (%.2f%%)\n",
		stats.Accepted,
		float64(stats.Accepted)/float64(stats.TotalEvents)*100)
	fmt.Printf("Rejected (non-200):     %d (%.2f%%)\n",
		stats.Rejected,
		float64(stats.Rejected)/float64(stats.TotalEvents)*100)
	fmt.Printf("Transport Errors:       %d\n", stats.Errors)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f events/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if stats.ThroughputPerSecond >= 100 {
		fmt.Println("✅ PASS: Throughput meets target (>100 events/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<100 events/sec)")
	}

	if stats.P95Latency < 200*time.Millisecond {
		fmt.Println("✅ PASS: P95 latency meets target (<200ms)")
	} else {
		fmt.Println("⚠️  WARN: P95 latency above target (>200ms)")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)

	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
