/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pricing fetches the two public data feeds the Instance
// Ranker needs: spot pricing and spot interruption rates.
// Both are best-effort: a fetch failure never fails a sweep, it just
// leaves that region's data absent for this run.
package pricing

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	// spotPriceURLTemplate returns a JSONP document (a JS variable assignment
	// wrapping a JSON object) keyed by region, instance type and OS.
	spotPriceURLTemplate = "https://a0.p.awsstatic.com/pricing/1.0/ec2/region/%s/spot/linux/index.json"
	// interruptionRateURL returns a flat JSON document produced by the
	// EC2 Spot Instance Advisor, keyed by region then instance type.
	interruptionRateURL = "https://spot-bid-advisor.s3.amazonaws.com/spot-advisor-data.json"

	cacheTTL = 10 * time.Minute
)

// Provider fetches and caches pricing and interruption data for the
// duration of one sweep. A fresh Provider should be constructed once
// per sweep so stale prices from a previous run are never reused.
type Provider struct {
	httpClient *http.Client
	cache      *cache.Cache
}

func New() *Provider {
	return &Provider{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      cache.New(cacheTTL, cacheTTL),
	}
}

// SpotPrice returns the spot price for instanceType in
// region, and ok=false if the data could not be fetched or does not
// cover that type.
func (p *Provider) SpotPrice(region, instanceType string) (price float64, ok bool) {
	prices, fetchOK := p.spotPrices(region)
	if !fetchOK {
		return 0, false
	}
	v, ok := prices[instanceType]
	return v, ok
}

// InterruptionRank returns the EC2 Spot Instance Advisor interruption
// rank (0 = rarest interruption, higher = more frequent) for
// instanceType, and ok=false if the data could not be fetched or does
// not cover that type.
func (p *Provider) InterruptionRank(instanceType string) (rank int, ok bool) {
	ranks, fetchOK := p.interruptionRanks()
	if !fetchOK {
		return 0, false
	}
	v, ok := ranks[instanceType]
	return v, ok
}

func (p *Provider) spotPrices(region string) (map[string]float64, bool) {
	cacheKey := "spotprice:" + region
	if v, found := p.cache.Get(cacheKey); found {
		prices, ok := v.(map[string]float64)
		return prices, ok
	}
	prices, err := fetchSpotPrices(p.httpClient, region)
	if err != nil {
		p.cache.Set(cacheKey, map[string]float64(nil), cache.DefaultExpiration)
		return nil, false
	}
	p.cache.Set(cacheKey, prices, cache.DefaultExpiration)
	return prices, true
}

func (p *Provider) interruptionRanks() (map[string]int, bool) {
	const cacheKey = "interruption"
	if v, found := p.cache.Get(cacheKey); found {
		ranks, ok := v.(map[string]int)
		return ranks, ok
	}
	ranks, err := fetchInterruptionRanks(p.httpClient)
	if err != nil {
		p.cache.Set(cacheKey, map[string]int(nil), cache.DefaultExpiration)
		return nil, false
	}
	p.cache.Set(cacheKey, ranks, cache.DefaultExpiration)
	return ranks, true
}

type spotPriceDoc struct {
	Config struct {
		Regions []struct {
			Region        string `json:"region"`
			InstanceTypes []struct {
				Type  string `json:"type"`
				Sizes []struct {
					Size         string `json:"size"`
					ValueColumns []struct {
						Name   string `json:"name"`
						Prices struct {
							USD string `json:"USD"`
						} `json:"prices"`
					} `json:"valueColumns"`
				} `json:"sizes"`
			} `json:"instanceTypes"`
		} `json:"regions"`
	} `json:"config"`
}

// fetchSpotPrices downloads and strips the JSONP wrapper from the spot
// pricing feed, returning a flat instanceType -> USD/hr map for
// region.
func fetchSpotPrices(client *http.Client, region string) (map[string]float64, error) {
	body, err := fetchBody(client, fmt.Sprintf(spotPriceURLTemplate, region))
	if err != nil {
		return nil, err
	}
	return parseSpotPriceBody(stripJSONP(body), region)
}

// parseSpotPriceBody is the pure, network-free half of fetchSpotPrices.
func parseSpotPriceBody(jsonBody []byte, region string) (map[string]float64, error) {
	var doc spotPriceDoc
	if err := json.Unmarshal(jsonBody, &doc); err != nil {
		return nil, fmt.Errorf("parse spot price feed: %w", err)
	}
	prices := map[string]float64{}
	for _, r := range doc.Config.Regions {
		if r.Region != region {
			continue
		}
		for _, it := range r.InstanceTypes {
			for _, size := range it.Sizes {
				for _, vc := range size.ValueColumns {
					usd, err := strconv.ParseFloat(vc.Prices.USD, 64)
					if err != nil {
						continue
					}
					prices[size.Size] = usd
				}
			}
		}
	}
	return prices, nil
}

type interruptionDoc struct {
	Spot map[string]map[string]struct {
		Types map[string]struct {
			R int `json:"r"`
		} `json:"Types"`
	} `json:"spot_advisor"`
}

// fetchInterruptionRanks downloads the Spot Instance Advisor document
// and flattens its nested region/os/type structure into the worst
// (highest) interruption rank observed for each instance type across
// the Linux platform entries.
func fetchInterruptionRanks(client *http.Client) (map[string]int, error) {
	body, err := fetchBody(client, interruptionRateURL)
	if err != nil {
		return nil, err
	}
	return parseInterruptionBody(body)
}

// parseInterruptionBody is the pure, network-free half of
// fetchInterruptionRanks.
func parseInterruptionBody(body []byte) (map[string]int, error) {
	var doc interruptionDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse interruption feed: %w", err)
	}
	ranks := map[string]int{}
	for _, byOS := range doc.Spot {
		linux, ok := byOS["Linux"]
		if !ok {
			continue
		}
		for instanceType, data := range linux.Types {
			if existing, ok := ranks[instanceType]; !ok || data.R > existing {
				ranks[instanceType] = data.R
			}
		}
	}
	return ranks, nil
}

func fetchBody(client *http.Client, url string) ([]byte, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// stripJSONP removes the "callback(" ... ")" wrapper some AWS pricing
// endpoints still use, tolerating plain JSON too.
func stripJSONP(body []byte) []byte {
	s := strings.TrimSpace(string(body))
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return body
	}
	return []byte(s[start : end+1])
}
