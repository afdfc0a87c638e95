package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/patrickwarner/openbidder/internal/models"
	"github.com/patrickwarner/openbidder/internal/observability"
)

var (
	server     string
	totalReq   int
	conc       int
	duration   time.Duration
	qps        float64
	impsPerReq int
	tmax       int
	winRate    float64
	floor      float64
	stats      bool
	debug      bool
	label      string
)

var logger *zap.Logger

var httpClient *http.Client

var (
	userAgents = []string{
		"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Linux; Android 12; Pixel 6 Pro) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.5735.196 Mobile Safari/537.36",
		"Mozilla/5.0 (iPad; CPU OS 15_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.2 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_3_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
		// a share of crawler traffic exercises the fraud gate
		"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
	}
	userIPs    = []string{"8.8.8.8", "81.2.69.142", "2.125.160.216", "175.16.199.1"}
	bannerDims = [][2]int{{300, 250}, {728, 90}, {320, 50}, {160, 600}}
)

const statsInterval = 5 * time.Second

var (
	countSent    uint64
	countBids    uint64
	countNoBid   uint64
	countErrors  uint64
	countWins    uint64
	countLosses  uint64
	countNotices uint64
)

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "bidder base URL")
	flag.IntVar(&totalReq, "requests", 1000, "total requests to send (0 for unlimited)")
	flag.IntVar(&conc, "concurrency", 20, "concurrent requests")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&qps, "rate", 0, "requests per second (0 for unlimited)")
	flag.IntVar(&impsPerReq, "imps", 1, "impressions per bid request")
	flag.IntVar(&tmax, "tmax", 120, "tmax in milliseconds")
	flag.Float64Var(&winRate, "win-rate", 0.3, "probability the exchange reports a win for a bid")
	flag.Float64Var(&floor, "floor", 0.5, "impression bid floor in USD")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	httpClient = &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: 5 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   conc,
			MaxConnsPerHost:       conc * 2,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	limit := rate.Inf
	if qps > 0 {
		limit = rate.Limit(qps)
	}
	limiter := rate.NewLimiter(limit, 1)

	ctx := context.Background()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					return
				}
			}
		}()
	}

	for i := 0; totalReq <= 0 || i < totalReq; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			sendAuction(ctx)
		}()
	}
	wg.Wait()
	close(done)
	printStats()
}

func buildRequest() models.BidRequest {
	ua := userAgents[rand.Intn(len(userAgents))]
	req := models.BidRequest{
		ID:   "req_" + uuid.NewString(),
		TMax: tmax,
		AT:   models.AuctionSecondPrice,
		Cur:  []string{"USD"},
		Site: &models.Site{Domain: "news.example", Page: "https://news.example/article"},
		Device: &models.Device{
			UA: ua,
			IP: userIPs[rand.Intn(len(userIPs))],
		},
		User: &models.User{ID: "user" + strconv.Itoa(rand.Intn(10000))},
	}
	secure := 1
	for i := 0; i < impsPerReq; i++ {
		dim := bannerDims[rand.Intn(len(bannerDims))]
		req.Imp = append(req.Imp, models.Imp{
			ID:          strconv.Itoa(i + 1),
			Banner:      &models.Banner{W: dim[0], H: dim[1]},
			BidFloor:    floor,
			BidFloorCur: "USD",
			Secure:      &secure,
		})
	}
	return req
}

func sendAuction(ctx context.Context) {
	atomic.AddUint64(&countSent, 1)
	blob, err := json.Marshal(buildRequest())
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("marshal error", zap.Error(err))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, strings.TrimRight(server, "/")+"/openrtb2/bid", bytes.NewReader(blob))
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("request build error", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("bid request error", zap.Error(err))
		return
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("read body error", zap.Error(err))
		return
	}

	switch resp.StatusCode {
	case http.StatusNoContent:
		atomic.AddUint64(&countNoBid, 1)
		logger.Debug("no bid", zap.String("nbr", resp.Header.Get("X-Openrtb-Nbr")))
		return
	case http.StatusOK:
	default:
		atomic.AddUint64(&countErrors, 1)
		logger.Error("unexpected status", zap.Int("status", resp.StatusCode), zap.String("body", strings.TrimSpace(string(body))))
		return
	}

	var bidResp models.BidResponse
	if err := json.Unmarshal(body, &bidResp); err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("decode error", zap.Error(err))
		return
	}
	for _, sb := range bidResp.SeatBid {
		for _, bid := range sb.Bid {
			atomic.AddUint64(&countBids, 1)
			notify(ctx, bid)
		}
	}
}

// notify plays the exchange: it substitutes the auction macros and calls the
// win or loss URL of the bid.
func notify(ctx context.Context, bid models.Bid) {
	// clear somewhere between the floor and the bid
	clearing := floor + rand.Float64()*(bid.Price-floor)
	if clearing < 0 {
		clearing = bid.Price
	}
	price := strconv.FormatFloat(clearing, 'f', 4, 64)

	var target string
	if rand.Float64() < winRate {
		target = bid.NURL
		atomic.AddUint64(&countWins, 1)
	} else {
		target = bid.LURL
		atomic.AddUint64(&countLosses, 1)
	}
	if target == "" {
		return
	}
	target = strings.NewReplacer(
		"${AUCTION_PRICE}", price,
		"${AUCTION_LOSS}", "102",
	).Replace(target)

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("notice request build error", zap.Error(err))
		return
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("notice error", zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	atomic.AddUint64(&countNotices, 1)
}

func printStats() {
	sent := atomic.LoadUint64(&countSent)
	bids := atomic.LoadUint64(&countBids)
	wins := atomic.LoadUint64(&countWins)
	var winShare float64
	if bids > 0 {
		winShare = float64(wins) / float64(bids)
	}
	logger.Info("stats",
		zap.String("run", label),
		zap.Uint64("sent", sent),
		zap.Uint64("bids", bids),
		zap.Uint64("no_bid", atomic.LoadUint64(&countNoBid)),
		zap.Uint64("errors", atomic.LoadUint64(&countErrors)),
		zap.Uint64("wins", wins),
		zap.Uint64("losses", atomic.LoadUint64(&countLosses)),
		zap.Uint64("notices", atomic.LoadUint64(&countNotices)),
		zap.Float64("win_share", winShare))
}
