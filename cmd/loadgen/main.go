package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// orderRequest mirrors the gateway's POST /orders payload.
type orderRequest struct {
	Instrument  string `json:"instrument"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"timeInForce"`
	Price       string `json:"price,omitempty"`
	Quantity    string `json:"quantity"`
	Owner       string `json:"owner"`
}

type depositRequest struct {
	Owner  string `json:"owner"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// generateOrders creates a specified number of realistic orders around the
// base price.
func generateOrders(count int, instrument string, owners []string, basePrice, priceSpread float64) []orderRequest {
	orders := make([]orderRequest, count)

	for i := 0; i < count; i++ {
		// 70% limit, 30% market
		orderType := "limit"
		tif := "GTC"
		if rand.Float64() < 0.3 {
			orderType = "market"
			tif = "IOC"
		}

		side := "sell"
		isBid := rand.Float64() < 0.5
		if isBid {
			side = "buy"
		}

		// size between 0.001 and 10, three decimals
		size := 0.001 + rand.Float64()*9.999
		size = float64(int(size*1000)) / 1000

		var price float64
		if orderType == "limit" {
			if isBid {
				price = basePrice - rand.Float64()*priceSpread*0.8
			} else {
				price = basePrice + rand.Float64()*priceSpread*0.8
			}
			price = float64(int(price*100)) / 100
			if price <= 0 {
				price = basePrice
			}
		}

		order := orderRequest{
			Instrument:  instrument,
			Side:        side,
			Type:        orderType,
			TimeInForce: tif,
			Quantity:    fmt.Sprintf("%.3f", size),
			Owner:       owners[rand.Intn(len(owners))],
		}
		if orderType == "limit" {
			order.Price = fmt.Sprintf("%.2f", price)
		}
		orders[i] = order
	}

	return orders
}

func postJSON(client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func main() {
	var (
		api         = flag.String("api", "http://localhost:8087", "Exchange API base URL")
		instrument  = flag.String("instrument", "BTC-USD", "Instrument to trade")
		ownerCount  = flag.Int("owners", 8, "Number of trading accounts")
		count       = flag.Int("count", 1000, "Number of orders to generate")
		delay       = flag.Duration("delay", 100*time.Millisecond, "Delay between orders")
		basePrice   = flag.Float64("base-price", 3945.5, "Base price for orders")
		priceSpread = flag.Float64("price-spread", 200.0, "Price spread range")
		seed        = flag.Int64("seed", 0, "Random seed (0 uses the clock)")
	)
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rand.Seed(*seed)

	parts := strings.SplitN(*instrument, "-", 2)
	if len(parts) != 2 {
		log.Fatalf("Instrument %q is not BASE-QUOTE", *instrument)
	}
	baseAsset, quoteAsset := parts[0], parts[1]

	client := &http.Client{Timeout: 10 * time.Second}

	// Fund the accounts so admission does not reject everything
	owners := make([]string, *ownerCount)
	quoteFunding := fmt.Sprintf("%.2f", *basePrice*float64(*count)*10)
	for i := range owners {
		owners[i] = fmt.Sprintf("trader-%02d", i)
		for asset, amount := range map[string]string{baseAsset: "100000", quoteAsset: quoteFunding} {
			dep := depositRequest{Owner: owners[i], Asset: asset, Amount: amount}
			if err := postJSON(client, *api+"/deposits", dep); err != nil {
				log.Fatalf("Failed to fund %s with %s: %v", owners[i], asset, err)
			}
		}
	}
	log.Printf("Funded %d accounts on %s", len(owners), *api)

	log.Printf("Generating %d orders...", *count)
	orders := generateOrders(*count, *instrument, owners, *basePrice, *priceSpread)

	var sent, rejected int
	for i, order := range orders {
		if err := postJSON(client, *api+"/orders", order); err != nil {
			rejected++
			log.Printf("Order %d/%d rejected: %v", i+1, len(orders), err)
		} else {
			sent++
		}

		if (i+1)%100 == 0 || i == len(orders)-1 {
			log.Printf("Progress %d/%d: %s %s %s qty=%s price=%s",
				i+1, len(orders), order.Owner, order.Type, order.Side, order.Quantity, order.Price)
		}

		if i < len(orders)-1 {
			time.Sleep(*delay)
		}
	}

	log.Printf("Done: %d accepted, %d rejected (seed %d)", sent, rejected, *seed)
}
