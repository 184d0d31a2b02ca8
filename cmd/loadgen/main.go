package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alovak/bankcards/internal/ledgerclient"
	"github.com/alovak/bankcards/internal/middleware"
	ledger8583 "github.com/alovak/bankcards/ledger/iso8583"
	"github.com/alovak/bankcards/ledger/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"
)

var (
	targetURL   string
	isoAddr     string
	secret      string
	concurrency int
	duration    time.Duration
	cards       int
	mode        string
	workload    string
)

var (
	totalRequests uint64
	approved      uint64
	declined      uint64
	busy          uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "ledger base URL")
	flag.StringVar(&isoAddr, "iso", "localhost:8583", "ISO 8583 address (mode=iso)")
	flag.StringVar(&secret, "jwt-secret", os.Getenv("JWT_SECRET"), "JWT secret used to mint tokens")
	flag.IntVar(&concurrency, "workers", 10, "number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "test duration")
	flag.IntVar(&cards, "cards", 10, "number of cards to create for the load user")
	flag.StringVar(&mode, "mode", "http", "transport: http | iso")
	flag.StringVar(&workload, "workload", "uniform", "workload type: uniform | hotspot")
}

var logger = newLogger(os.Stderr)

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, nil))
}

func fatal(msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}

func main() {
	flag.Parse()
	if secret == "" {
		fatal("-jwt-secret (or JWT_SECRET) is required")
	}
	if cards < 2 {
		fatal("-cards must be at least 2", slog.Int("cards", cards))
	}
	ctx := context.Background()

	userID := "load-" + uuid.NewString()[:8]
	adminToken, err := middleware.IssueToken(secret, "loadgen-admin", "loadgen", "ADMIN", time.Hour)
	if err != nil {
		fatal("minting admin token", slog.Any("err", err))
	}
	userToken, err := middleware.IssueToken(secret, userID, userID, "USER", time.Hour)
	if err != nil {
		fatal("minting user token", slog.Any("err", err))
	}

	admin := ledgerclient.New(targetURL, adminToken, &http.Client{Timeout: 10 * time.Second})
	user := admin.WithToken(userToken)

	start := decimal.NewFromInt(1000)
	numbers := make([]string, 0, cards)
	for i := 0; i < cards; i++ {
		c, err := admin.CreateCard(ctx, models.CreateCard{OwnerID: userID, Balance: start})
		if err != nil {
			fatal("creating card", slog.Any("err", err))
		}
		numbers = append(numbers, c.CardNumber)
	}
	logger.Info("starting load",
		slog.String("mode", mode),
		slog.String("workload", workload),
		slog.Int("workers", concurrency),
		slog.Duration("duration", duration),
		slog.Int("cards", cards),
	)

	var send func(from, to string, amount decimal.Decimal) (ok bool, err error)
	switch mode {
	case "http":
		send = func(from, to string, amount decimal.Decimal) (bool, error) {
			_, err := user.Transfer(ctx, from, to, amount)
			var apiErr *ledgerclient.APIError
			if errors.As(err, &apiErr) {
				if apiErr.StatusCode == http.StatusServiceUnavailable {
					atomic.AddUint64(&busy, 1)
				}
				return false, nil
			}
			return err == nil, err
		}
	case "iso":
		cli, err := ledger8583.NewClient(isoAddr, 10*time.Second)
		if err != nil {
			fatal("connecting to iso8583 server", slog.String("addr", isoAddr), slog.Any("err", err))
		}
		defer cli.Close()
		send = func(from, to string, amount decimal.Decimal) (bool, error) {
			resp, err := cli.Transfer(from, to, amount, userID)
			if err != nil {
				return false, err
			}
			if resp.Code == ledger8583.CodeSystemBusy {
				atomic.AddUint64(&busy, 1)
			}
			return resp.Approved(), nil
		}
	default:
		fatal("unknown mode", slog.String("mode", mode))
	}

	begin := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, begin, numbers, send)
	}
	wg.Wait()
	elapsed := time.Since(begin)

	sum := decimal.Zero
	for p := 0; ; p++ {
		page, err := user.MyCards(ctx, "", p, 100)
		if err != nil {
			fatal("reading balances", slog.Any("err", err))
		}
		for _, c := range page.Items {
			b, _ := decimal.NewFromString(c.Balance)
			sum = sum.Add(b)
		}
		if p+1 >= page.TotalPages {
			break
		}
	}
	expected := start.Mul(decimal.NewFromInt(int64(cards)))

	printResults(elapsed, sum, expected)
	if !sum.Equal(expected) {
		logger.Error("balances not conserved",
			slog.String("sum", sum.StringFixed(2)),
			slog.String("expected", expected.StringFixed(2)),
		)
		os.Exit(2)
	}
}

func worker(wg *sync.WaitGroup, begin time.Time, numbers []string, send func(string, string, decimal.Decimal) (bool, error)) {
	defer wg.Done()
	for time.Since(begin) < duration {
		from, to := pick(len(numbers))
		amount := decimal.New(int64(rand.Intn(5000)+1), -2)

		ok, err := send(numbers[from], numbers[to], amount)
		atomic.AddUint64(&totalRequests, 1)
		switch {
		case err != nil:
			atomic.AddUint64(&failOther, 1)
		case ok:
			atomic.AddUint64(&approved, 1)
		default:
			atomic.AddUint64(&declined, 1)
		}
	}
}

func pick(n int) (int, int) {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		if rand.Float32() < 0.5 {
			return 0, 1
		}
		return 1, 0
	}
	a := rand.Intn(n)
	b := rand.Intn(n)
	for a == b {
		b = rand.Intn(n)
	}
	return a, b
}

func printResults(d time.Duration, sum, expected decimal.Decimal) {
	total := atomic.LoadUint64(&totalRequests)
	results := map[string]interface{}{
		"mode":           mode,
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": float64(total) / d.Seconds(),
		"approved":       atomic.LoadUint64(&approved),
		"declined":       atomic.LoadUint64(&declined),
		"busy":           atomic.LoadUint64(&busy),
		"errors":         atomic.LoadUint64(&failOther),
		"balance_sum":    sum.StringFixed(2),
		"expected_sum":   expected.StringFixed(2),
		"conserved":      sum.Equal(expected),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)
}
