// Command candlectl inspects stored and live candles.
//
// Usage:
//
//	candlectl stats  [-db data/candles.db]
//	candlectl bars   -pair WBNB/USDT [-interval 1m] [-limit 20] [-db ...]
//	candlectl latest -pair WBNB/USDT [-redis localhost:6379]
//	candlectl watch  [-pairs WBNB/USDT,CAKE/WBNB] [-redis localhost:6379]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog"

	"dexohlc/internal/model"
	redisstore "dexohlc/internal/store/redis"
	sqlitestore "dexohlc/internal/store/sqlite"
)

const timeLayout = "2006-01-02 15:04:05"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "stats":
		err = runStats(ctx, args)
	case "bars":
		err = runBars(ctx, args)
	case "latest":
		err = runLatest(ctx, args)
	case "watch":
		err = runWatch(ctx, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "candlectl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: candlectl <stats|bars|latest|watch> [flags]")
}

func openStore(path string) (*sqlitestore.Store, error) {
	return sqlitestore.New(sqlitestore.Config{DBPath: path}, zerolog.Nop())
}

func runStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dbPath := fs.String("db", "data/candles.db", "SQLite database")
	fs.Parse(args)

	st, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	renderStats(os.Stdout, stats)
	return nil
}

func renderStats(w io.Writer, stats []sqlitestore.SeriesStats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Pair", "Interval", "Bars", "First", "Last"})
	var total int64
	for _, s := range stats {
		t.AppendRow(table.Row{s.Pair, s.Interval, s.Bars, s.First.Format(timeLayout), s.Last.Format(timeLayout)})
		total += s.Bars
	}
	t.AppendFooter(table.Row{"", "Total", total, "", ""})
	t.Render()
}

func runBars(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bars", flag.ExitOnError)
	dbPath := fs.String("db", "data/candles.db", "SQLite database")
	pair := fs.String("pair", "", "pair label, e.g. WBNB/USDT")
	ivStr := fs.String("interval", "1m", "bar interval")
	limit := fs.Int("limit", 20, "most recent bars to show")
	fs.Parse(args)

	if *pair == "" {
		return fmt.Errorf("-pair is required")
	}
	iv, err := model.ParseInterval(*ivStr)
	if err != nil {
		return err
	}
	st, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	bars, err := st.QueryBars(ctx, model.BarQuery{Pair: *pair, Interval: iv, Limit: *limit})
	if err != nil {
		return err
	}
	renderBars(os.Stdout, bars)
	return nil
}

func renderBars(w io.Writer, bars []model.Bar) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Start", "Open", "High", "Low", "Close", "Volume", "Trades"})
	for _, b := range bars {
		t.AppendRow(table.Row{
			b.Start.Format(timeLayout),
			fmt.Sprintf("%.8g", b.Open),
			fmt.Sprintf("%.8g", b.High),
			fmt.Sprintf("%.8g", b.Low),
			colorClose(b),
			fmt.Sprintf("%.4f", b.Volume),
			b.TradeCount,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.Render()
}

func colorClose(b model.Bar) string {
	s := fmt.Sprintf("%.8g", b.Close)
	switch {
	case b.Close > b.Open:
		return text.FgGreen.Sprint(s)
	case b.Close < b.Open:
		return text.FgRed.Sprint(s)
	}
	return s
}

func dialRedis(ctx context.Context, addr, password string) (*redisstore.Reader, func() error, error) {
	client, err := redisstore.Dial(ctx, redisstore.Config{Addr: addr, Password: password})
	if err != nil {
		return nil, nil, err
	}
	return redisstore.NewReader(client), client.Close, nil
}

func runLatest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("latest", flag.ExitOnError)
	addr := fs.String("redis", "localhost:6379", "Redis address")
	password := fs.String("redis-password", os.Getenv("DEXOHLC_REDIS_PASSWORD"), "Redis password")
	pair := fs.String("pair", "", "pair label, e.g. WBNB/USDT")
	fs.Parse(args)

	if *pair == "" {
		return fmt.Errorf("-pair is required")
	}
	reader, closeFn, err := dialRedis(ctx, *addr, *password)
	if err != nil {
		return err
	}
	defer closeFn()

	price, err := reader.LatestPrice(ctx, *pair)
	if err != nil {
		return err
	}
	if price != nil {
		fmt.Printf("%s  last %.8g  (%s, %s)\n", *pair, price.Price, price.Side, price.Timestamp.Format(timeLayout))
	}

	var bars []model.Bar
	for _, iv := range model.Intervals {
		b, err := reader.LatestBar(ctx, *pair, iv)
		if err != nil {
			return err
		}
		if b != nil {
			bars = append(bars, *b)
		}
	}
	if price == nil && len(bars) == 0 {
		return fmt.Errorf("nothing published for %s", *pair)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Interval", "Start", "Open", "High", "Low", "Close", "Volume"})
	for _, b := range bars {
		t.AppendRow(table.Row{b.Interval, b.Start.Format(timeLayout), b.Open, b.High, b.Low, colorClose(b), b.Volume})
	}
	t.Render()
	return nil
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	addr := fs.String("redis", "localhost:6379", "Redis address")
	password := fs.String("redis-password", os.Getenv("DEXOHLC_REDIS_PASSWORD"), "Redis password")
	pairsFlag := fs.String("pairs", "", "comma-separated pairs to show (default all)")
	fs.Parse(args)

	filter := make(map[string]bool)
	for _, p := range strings.Split(*pairsFlag, ",") {
		if p = strings.TrimSpace(p); p != "" {
			filter[p] = true
		}
	}

	reader, closeFn, err := dialRedis(ctx, *addr, *password)
	if err != nil {
		return err
	}
	defer closeFn()

	prices := make(chan model.PricePoint, 64)
	errCh := make(chan error, 1)
	go func() { errCh <- reader.SubscribePrices(ctx, prices) }()

	for {
		select {
		case err := <-errCh:
			return err
		case p := <-prices:
			if len(filter) > 0 && !filter[p.Pair] {
				continue
			}
			side := text.FgGreen.Sprint(p.Side)
			if p.Side == model.SideSell {
				side = text.FgRed.Sprint(p.Side)
			}
			fmt.Printf("%s  %-12s %-4s %14.8g  vol %.4f\n", p.Timestamp.In(time.Local).Format(timeLayout), p.Pair, side, p.Price, p.Volume)
		}
	}
}
