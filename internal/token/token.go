// Package token signs the identifiers embedded in win and loss notice URLs so
// that notices can only settle bids this server actually made.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
)

// now is replaced in tests.
var now = time.Now

// Claims identifies one emitted bid.
type Claims struct {
	BidID      string
	RequestID  string
	ImpID      string
	CampaignID int
	CreativeID int
	// Price is the bid price, the amount reserved for the bid.
	Price    decimal.Decimal
	Currency string
	IssuedAt time.Time
}

// payload structure for encoding/decoding
type payload struct {
	BidID      string `json:"b"`
	ReqID      string `json:"r"`
	ImpID      string `json:"i"`
	CampaignID int    `json:"c"`
	CreativeID int    `json:"cr"`
	Price      string `json:"bp"`
	Currency   string `json:"cur"`
	TS         int64  `json:"t"`
}

// Generate creates a signed token for the given claims. IssuedAt is set to
// the current time.
func Generate(c Claims, secret []byte) (string, error) {
	if c.BidID == "" {
		return "", ErrInvalid
	}
	pl := payload{
		BidID:      c.BidID,
		ReqID:      c.RequestID,
		ImpID:      c.ImpID,
		CampaignID: c.CampaignID,
		CreativeID: c.CreativeID,
		Price:      c.Price.String(),
		Currency:   c.Currency,
		TS:         now().Unix(),
	}
	data, err := json.Marshal(pl)
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(sign(data, secret)), nil
}

func sign(data, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify checks the token integrity and expiry and returns its claims. A
// zero ttl disables the expiry check.
func Verify(token string, secret []byte, ttl time.Duration) (Claims, error) {
	data, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, ErrInvalid
	}
	enc := base64.RawURLEncoding
	raw, err := enc.DecodeString(data)
	if err != nil {
		return Claims{}, ErrInvalid
	}
	mac, err := enc.DecodeString(sig)
	if err != nil {
		return Claims{}, ErrInvalid
	}
	if !hmac.Equal(sign(raw, secret), mac) {
		return Claims{}, ErrInvalid
	}

	var pl payload
	if err := json.Unmarshal(raw, &pl); err != nil {
		return Claims{}, ErrInvalid
	}
	price, err := decimal.NewFromString(pl.Price)
	if err != nil {
		return Claims{}, ErrInvalid
	}
	issued := time.Unix(pl.TS, 0)
	if ttl > 0 && now().Sub(issued) > ttl {
		return Claims{}, ErrExpired
	}
	return Claims{
		BidID:      pl.BidID,
		RequestID:  pl.ReqID,
		ImpID:      pl.ImpID,
		CampaignID: pl.CampaignID,
		CreativeID: pl.CreativeID,
		Price:      price,
		Currency:   pl.Currency,
		IssuedAt:   issued,
	}, nil
}
