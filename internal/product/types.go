// Package product talks to the affiliate product search gateway and
// normalizes its responses into Records.
package product

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is one catalogue item as returned by the search gateway.
type Record struct {
	// ID is the provider's stable identifier and the only deduplication key.
	ID string
	// Name is free text and must be escaped before it is embedded in markup.
	Name string
	// ImageURL is absolute with any query string already stripped.
	ImageURL string
	// Price is in whole currency units.
	Price int64
	// DetailURL is the outbound affiliate link, passed through untouched.
	DetailURL string
}

// NormalizeImageURL drops the query string (and anything after it) from an
// image URL. Cache-busting tokens would otherwise make every run rewrite the
// same artifact differently.
func NormalizeImageURL(raw string) string {
	base, _, _ := strings.Cut(raw, "?")
	return base
}

// envelope covers both the success payload and the gateway's error shapes.
type envelope struct {
	RCode    flexString `json:"rCode"`
	RMessage string     `json:"rMessage"`
	Code     flexString `json:"code"`
	Message  string     `json:"message"`
	Data     *struct {
		ProductData []json.RawMessage `json:"productData"`
	} `json:"data"`
}

type rawProduct struct {
	ProductID    flexString `json:"productId"`
	ProductName  string     `json:"productName"`
	ProductPrice flexNumber `json:"productPrice"`
	ProductImage string     `json:"productImage"`
	ProductURL   string     `json:"productUrl"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode string: %w", err)
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// flexNumber accepts an integer, a float, or a numeric string with grouping
// separators, truncating to whole units.
type flexNumber int64

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	raw := strings.ReplaceAll(string(s), ",", "")
	if raw == "" {
		*f = 0
		return nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*f = flexNumber(n)
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("parse price %q: %w", raw, err)
	}
	*f = flexNumber(int64(v))
	return nil
}
