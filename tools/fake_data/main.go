package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/config"
	"github.com/patrickwarner/openbidder/internal/db"
	"github.com/patrickwarner/openbidder/internal/models"
	"github.com/patrickwarner/openbidder/internal/observability"
)

var (
	campCount    = flag.Int("campaigns", 20, "number of campaigns")
	creativesPer = flag.Int("creatives", 3, "creatives per campaign")
	seed         = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	reset        = flag.Bool("reset", false, "delete existing campaigns first")
	skipReload   = flag.Bool("skip-reload", false, "skip automatic reload after data insertion")
)

var (
	adjectives = []string{"Summer", "Winter", "Holiday", "Flash", "Evergreen", "Prime", "Local", "Global"}
	nouns      = []string{"Sale", "Launch", "Promo", "Awareness", "Retargeting", "Brand", "Push"}
	domains    = []string{"shoes.example", "cars.example", "travel.example", "bank.example", "games.example", "food.example"}
	categories = []string{"IAB1", "IAB2", "IAB3", "IAB7", "IAB9", "IAB13", "IAB17", "IAB19", "IAB20"}
	countries  = []string{"US", "GB", "DE", "FR", "CA", "JP"}
	devices    = []string{"mobile", "desktop", "tablet"}
	osNames    = []string{"ios", "android", "windows", "macos"}
	bannerDims = [][2]int{{300, 250}, {728, 90}, {320, 50}, {160, 600}, {300, 600}}
)

func main() {
	flag.Parse()

	logger, err := observability.InitLogger("fake-data")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	pg, err := db.InitPostgres(cfg.PostgresDSN, db.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	ctx := context.Background()
	r := rand.New(rand.NewSource(*seed))

	if *reset {
		existing, err := pg.LoadCampaigns(ctx)
		if err != nil {
			logger.Fatal("load campaigns", zap.Error(err))
		}
		for _, c := range existing {
			if err := pg.DeleteCampaign(ctx, c.ID); err != nil {
				logger.Fatal("delete campaign", zap.Int("campaign_id", c.ID), zap.Error(err))
			}
		}
		logger.Info("existing campaigns deleted", zap.Int("count", len(existing)))
	}

	created := 0
	for i := 0; i < *campCount; i++ {
		camp := randomCampaign(r)
		if err := pg.InsertCampaign(ctx, &camp); err != nil {
			logger.Fatal("insert campaign", zap.Error(err))
		}
		for j := 0; j < *creativesPer; j++ {
			cr := randomCreative(r, camp)
			if err := pg.InsertCreative(ctx, &cr); err != nil {
				logger.Fatal("insert creative", zap.Int("campaign_id", camp.ID), zap.Error(err))
			}
			created++
		}
	}
	fmt.Printf("inserted %d campaigns and %d creatives\n", *campCount, created)

	if !*skipReload {
		if err := callReloadEndpoint(&cfg); err != nil {
			logger.Error("reload endpoint failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Warning: failed to reload bidder inventory: %v\n", err)
		} else {
			fmt.Println("bidder inventory reloaded")
		}
	}
}

func pick(r *rand.Rand, list []string) string {
	return list[r.Intn(len(list))]
}

// pickSome returns up to n distinct entries. It returns nil half of the time
// so some campaigns stay untargeted.
func pickSome(r *rand.Rand, list []string, n int) []string {
	if r.Intn(2) == 0 {
		return nil
	}
	perm := r.Perm(len(list))
	k := 1 + r.Intn(n)
	out := make([]string, 0, k)
	for _, idx := range perm[:k] {
		out = append(out, list[idx])
	}
	return out
}

func money(r *rand.Rand, min, max float64) decimal.Decimal {
	return decimal.NewFromFloat(min + r.Float64()*(max-min)).Round(2)
}

func randomCampaign(r *rand.Rand) models.Campaign {
	domain := pick(r, domains)
	pace := models.PacingASAP
	if r.Intn(3) == 0 {
		pace = models.PacingEven
	}
	c := models.Campaign{
		Name:              fmt.Sprintf("%s %s %d", pick(r, adjectives), pick(r, nouns), r.Intn(1000)),
		AdvertiserDomains: []string{domain},
		Categories:        []string{pick(r, categories)},
		Budget:            money(r, 50, 5000),
		MaxBid:            money(r, 1, 8),
		PaceType:          pace,
		Countries:         pickSome(r, countries, 3),
		DeviceTypes:       pickSome(r, devices, 2),
		OS:                pickSome(r, osNames, 2),
		StartDate:         time.Now().Add(-24 * time.Hour).UTC().Truncate(time.Hour),
		Active:            r.Float64() > 0.1,
	}
	if r.Intn(2) == 0 {
		c.DailyBudget = c.Budget.Div(decimal.NewFromInt(10)).Round(2)
	}
	if r.Intn(4) == 0 {
		c.QPS = float64(5 + r.Intn(50))
	}
	if r.Intn(10) == 0 {
		c.DealID = fmt.Sprintf("deal-%d", r.Intn(5))
	}
	return c
}

func randomCreative(r *rand.Rand, camp models.Campaign) models.Creative {
	cr := models.Creative{
		CampaignID:   camp.ID,
		BidPrice:     money(r, 0.2, 6),
		QualityScore: 0.5 + r.Float64()*0.5,
		Secure:       r.Float64() > 0.2,
		ClickURL:     fmt.Sprintf("https://%s/landing?c=%d", camp.AdvertiserDomains[0], camp.ID),
		Active:       true,
	}
	switch r.Intn(5) {
	case 0:
		cr.Format = models.FormatVideo
		cr.Width, cr.Height = 640, 360
		cr.Mimes = []string{"video/mp4"}
		cr.Adm = `<VAST version="3.0"><Ad id="${AUCTION_BID_ID}"><InLine><AdTitle>` + camp.Name + `</AdTitle></InLine></Ad></VAST>`
	default:
		dim := bannerDims[r.Intn(len(bannerDims))]
		cr.Format = models.FormatBanner
		cr.Width, cr.Height = dim[0], dim[1]
		cr.Mimes = []string{"image/png"}
		cr.Adm = fmt.Sprintf(`<a href="%s&imp=${AUCTION_IMP_ID}"><img src="https://cdn.%s/%dx%d.png" width="%d" height="%d"></a>`,
			cr.ClickURL, camp.AdvertiserDomains[0], dim[0], dim[1], dim[0], dim[1])
	}
	if !cr.Secure {
		cr.Adm = strings.ReplaceAll(cr.Adm, "https://cdn.", "http://cdn.")
	}
	return cr
}

func callReloadEndpoint(cfg *config.Config) error {
	reloadURL := fmt.Sprintf("http://localhost:%s/reload", cfg.Port)
	req, err := http.NewRequest("POST", reloadURL, nil)
	if err != nil {
		return fmt.Errorf("build reload request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call reload endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
